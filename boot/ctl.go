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
	"log"
	"runtime"
	"sync"
	"time"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usb"

	"github.com/keygrove/keygrove-boot/api"
	"github.com/keygrove/keygrove-boot/firmware"
)

// controlInterface exposes the recovery and status channel over U2F HID,
// it never touches protected key material.
type controlInterface struct {
	sync.Mutex

	Device *usb.Device
	RPC    *RPC

	verifier *firmware.Verifier
	bundles  *firmware.BundleVerifier

	ota *otaBuffer
}

type otaBuffer struct {
	total  uint32
	seq    uint32
	buf    []byte
	bundle api.ProofBundle
}

func getStatus() (s *api.Status) {
	s = &api.Status{
		Serial:   fmt.Sprintf("%X", imx6ul.UniqueID()),
		HAB:      imx6ul.SNVS.Available(),
		Revision: Revision,
		Build:    Build,
		Version:  imageVersion,
		Runtime:  fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
		State:    bootState,
		Reason:   bootReason,
	}

	if bootState == api.BootStateSELocked && bootGate != nil && bootGate.Unlocked() {
		s.State = api.BootStateRunning
	}

	return
}

func (ctl *controlInterface) HandleMessage(_ []byte) (_ []byte) {
	return
}

func (ctl *controlInterface) Status(_ []byte) (res []byte) {
	res, _ = api.Encode(getStatus())
	return
}

// Update is the handler for U2FHID_KEYGROVE_OTA requests, chunked
// firmware update transfers.
//
// Sequence zero carries the chunk count and transparency proof bundle,
// data chunks follow. The verification pipeline runs on the reassembled
// image before any flash write.
func (ctl *controlInterface) Update(req []byte) (res []byte) {
	var err error

	defer func() {
		if err != nil {
			log.Printf("KG firmware update error, %v", err)
			res = api.ErrorResponse(err)
		} else {
			res = api.EmptyResponse()
		}
	}()

	update := &api.FirmwareUpdate{}

	if err = api.Decode(req, update); err != nil {
		return
	}

	ctl.Lock()
	defer ctl.Unlock()

	if update.Seq == 0 {
		if update.Total == 0 {
			err = errors.New("invalid update, empty transfer")
			return
		}

		ctl.ota = &otaBuffer{
			total:  update.Total,
			bundle: update.Bundle,
		}

		log.Printf("KG starting firmware update (%d chunks)", ctl.ota.total)
		return
	} else if ctl.ota == nil ||
		update.Seq != ctl.ota.seq+1 ||
		update.Total != ctl.ota.total {

		err = errors.New("invalid firmware update sequence")
		return
	}

	if len(ctl.ota.buf)+len(update.Image) > otaLimit {
		err = errors.New("size limit exceeded")
		return
	}

	ctl.ota.seq = update.Seq
	ctl.ota.buf = append(ctl.ota.buf, update.Image...)

	if ctl.ota.seq%100 == 0 {
		log.Printf("KG received %d/%d firmware update chunks", ctl.ota.seq, ctl.ota.total)
	}

	if ctl.ota.seq != ctl.ota.total {
		return
	}

	log.Printf("KG received all %d firmware update chunks", ctl.ota.total)

	ota := ctl.ota
	ctl.ota = nil

	go func(buf []byte, pb api.ProofBundle) {
		// avoid USB control interface timeout
		time.Sleep(500 * time.Millisecond)

		if err := updateFirmware(ctl.RPC.Storage, ctl.verifier, ctl.bundles, imageVersion, buf, pb); err != nil {
			log.Printf("KG firmware update error, %v", err)
			return
		}

		if ctl.RPC.Ctx != nil {
			ctl.RPC.Ctx.Stop()
		}

		log.Printf("KG rebooting to updated firmware")
		usbarmory.Reset()
	}(ota.buf, ota.bundle)

	return
}

// ConsoleLogs is the handler for U2FHID_KEYGROVE_CONSOLE_LOGS requests,
// it returns the console log on debug builds.
func (ctl *controlInterface) ConsoleLogs(_ []byte) []byte {
	return consoleLogs()
}

func (ctl *controlInterface) Start() {
	device := &usb.Device{}
	serialNumber := fmt.Sprintf("%X", imx6ul.UniqueID())

	if err := configureDevice(device, serialNumber); err != nil {
		log.Fatal(err)
	}

	if err := configureHID(device, ctl); err != nil {
		log.Fatal(err)
	}

	if err := configureUART(device); err != nil {
		log.Fatal(err)
	}

	if Control == nil {
		return
	}

	Control.Device = device
	Control.DeviceMode()

	Control.EnableInterrupt(usb.IRQ_URI) // reset
	Control.EnableInterrupt(usb.IRQ_PCI) // port change detect
	Control.EnableInterrupt(usb.IRQ_UI)  // transfer completion

	irqHandler[Control.IRQ] = func() {
		Control.ServiceInterrupts()
	}

	imx6ul.GIC.EnableInterrupt(Control.IRQ, true)
}
