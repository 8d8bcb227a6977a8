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
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/i2c"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/keygrove/keygrove-boot/se"
)

// secure element I2C slave address
const seSlaveAddress = 0x60

// seBus adapts the SoC I2C controller to the secure element frame
// exchange. Transport errors surface to the client retry logic, they are
// never interpreted as authentication outcomes.
type seBus struct {
	port *i2c.I2C
}

func newSEBus() (*seBus, error) {
	if imx6ul.I2C1 == nil {
		return nil, errors.New("no I2C controller")
	}

	imx6ul.I2C1.Init()

	return &seBus{port: imx6ul.I2C1}, nil
}

func (b *seBus) Exchange(req []byte) (res []byte, err error) {
	if len(req) != se.FrameLength {
		return nil, fmt.Errorf("invalid frame size %d", len(req))
	}

	if err = b.port.Write(req, seSlaveAddress, 0, 0); err != nil {
		return nil, fmt.Errorf("frame write failed: %v", err)
	}

	return b.port.Read(seSlaveAddress, 0, 0, se.FrameLength)
}
