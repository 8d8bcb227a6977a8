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
	"crypto/rand"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/keygrove/keygrove-boot/entropy"
)

// hwSource reads raw samples from the SoC true random number generator,
// falling back to the runtime generator under emulation.
func hwSource(buf []byte) {
	if imx6ul.Native && imx6ul.RNGB != nil {
		imx6ul.RNGB.GetRandomData(buf)
		return
	}

	rand.Read(buf)
}

// rngInit health-tests the hardware generator and replaces the runtime
// entropy source with the resulting DRBG. A failing generator is fatal,
// the bootloader never falls back to an untested source.
func rngInit() *entropy.Reader {
	rng, err := entropy.Init(hwSource, deviceID())

	if err != nil {
		log.Fatalf("KG entropy self-test failure, %v", err)
	}

	imx6ul.SetRNG(func(buf []byte) {
		rng.Read(buf)
	})

	return rng
}

func deviceID() []byte {
	uid := imx6ul.UniqueID()
	return uid[:]
}
