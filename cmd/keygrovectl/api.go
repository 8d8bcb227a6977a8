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

//go:build !tamago
// +build !tamago

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/keygrove/keygrove-boot/api"
)

// we use 64 as a safe guess for gob wire overhead
const maxChunkSize = api.MaxMessageSize - 64

func (d *Device) status() (string, error) {
	res, err := d.u2f.Command(api.U2FHID_KEYGROVE_INF, nil)

	if err != nil {
		return "", err
	}

	s := &api.Status{}

	if err = api.Decode(res, s); err != nil {
		return "", err
	}

	return s.Print(), nil
}

func (d *Device) getConsoleLogs() ([]byte, error) {
	return d.u2f.Command(api.U2FHID_KEYGROVE_CONSOLE_LOGS, nil)
}

// checkResponse decodes a control interface reply envelope, surfacing
// device side errors.
func checkResponse(buf []byte) error {
	res := &api.Envelope{}

	if err := api.Decode(buf, res); err != nil {
		return err
	}

	if res.Error != "" {
		return errors.New(res.Error)
	}

	return nil
}

func (d *Device) send(update *api.FirmwareUpdate) error {
	req, err := api.Encode(update)

	if err != nil {
		return err
	}

	res, err := d.u2f.Command(api.U2FHID_KEYGROVE_OTA, req)

	if err != nil {
		return err
	}

	return checkResponse(res)
}

// update transfers a signed firmware image, and its transparency proof
// bundle when available, in chunks over the control interface. The
// device verifies the image before flashing, a rejection surfaces as a
// response error on the final chunk.
func (d *Device) update(imagePath string, bundlePath string) error {
	image, err := os.ReadFile(imagePath)

	if err != nil {
		return err
	}

	var bundle api.ProofBundle

	if bundlePath != "" {
		buf, err := os.ReadFile(bundlePath)

		if err != nil {
			return err
		}

		if err = api.Decode(buf, &bundle); err != nil {
			return fmt.Errorf("invalid proof bundle: %v", err)
		}
	}

	total := uint32((len(image) + maxChunkSize - 1) / maxChunkSize)

	if err = d.send(&api.FirmwareUpdate{
		Total:  total,
		Bundle: bundle,
	}); err != nil {
		return err
	}

	bar := pb.StartNew(len(image))
	bar.Set(pb.Bytes, true)
	defer bar.Finish()

	for seq := uint32(1); seq <= total; seq++ {
		start := int(seq-1) * maxChunkSize
		end := start + maxChunkSize

		if end > len(image) {
			end = len(image)
		}

		if err = d.send(&api.FirmwareUpdate{
			Total: total,
			Seq:   seq,
			Image: image[start:end],
		}); err != nil {
			return err
		}

		bar.Add(end - start)

		// Don't overload the HID endpoint
		time.Sleep(5 * time.Millisecond)
	}

	return nil
}
