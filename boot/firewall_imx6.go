// Copyright 2024 The Keygrove Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	tzasc "github.com/usbarmory/tamago/arm/tzc380"
	"github.com/usbarmory/tamago/soc/nxp/csu"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/keygrove/keygrove-boot/firewall"
)

// CSU peripheral slave indexes requiring Secure World only access once
// the firewall is armed.
const (
	cslROMCP = 13
	cslTZASC = 16
	cslDCP   = 34
)

// imx6Controller programs the i.MX6UL memory firewall: TZASC region
// permissions keep the bootloader window Secure World only, CSU policies
// restrict the protection and key derivation peripherals.
type imx6Controller struct {
	appStart uint32
	appSize  uint32
}

// Apply arms the hardware. The protected window stays under the TZASC
// Secure World default, the application window is opened to Normal World
// and all other masters are demoted.
func (c *imx6Controller) Apply(region firewall.Region) (err error) {
	// grant Normal World access to CP10 and CP11 (VFP/NEON)
	imx6ul.ARM.NonSecureAccessControl(1<<11 | 1<<10)

	if !imx6ul.Native {
		return
	}

	imx6ul.CSU.Init()

	// grant Normal World access to all peripherals
	for i := csu.CSL_MIN; i < csu.CSL_MAX; i++ {
		if err = imx6ul.CSU.SetSecurityLevel(i, 0, csu.SEC_LEVEL_0, false); err != nil {
			return
		}

		if err = imx6ul.CSU.SetSecurityLevel(i, 1, csu.SEC_LEVEL_0, false); err != nil {
			return
		}
	}

	// Normal World R/W access to the application firmware window only,
	// the protected region remains under the Secure World default.
	if err = imx6ul.TZASC.EnableRegion(1, c.appStart, c.appSize, (1<<tzasc.SP_NW_RD)|(1<<tzasc.SP_NW_WR)); err != nil {
		return
	}

	// set all bus masters to Normal World
	for i := csu.SA_MIN; i < csu.SA_MAX; i++ {
		if err = imx6ul.CSU.SetAccess(i, false, false); err != nil {
			return
		}
	}

	// restrict boot ROM patching
	if err = imx6ul.CSU.SetSecurityLevel(cslROMCP, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict the firewall itself
	if err = imx6ul.CSU.SetSecurityLevel(cslTZASC, 1, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict the key derivation engine
	if err = imx6ul.CSU.SetSecurityLevel(cslDCP, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// keep USB under Secure World for the recovery control interface
	if err = imx6ul.CSU.SetSecurityLevel(4, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	return imx6ul.CSU.SetAccess(4, true, false)
}

// firewallInit validates and arms the memory firewall, it must be the
// last step before application firmware execution.
func firewallInit() (err error) {
	mgr, err := firewall.New(&imx6Controller{
		appStart: appStart,
		appSize:  appSize,
	}, appStart, appSize)

	if err != nil {
		return
	}

	return mgr.Install(firewall.Region{
		Start: secureStart,
		Size:  secureSize,
		Gates: []uint32{secureStart},
	})
}
