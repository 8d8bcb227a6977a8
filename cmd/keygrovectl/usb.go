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
	flynn_hid "github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"

	"github.com/keygrove/keygrove-boot/api"
)

// Device is a Keygrove unit reachable over its U2F HID control channel.
type Device struct {
	u2f *u2fhid.Device
	usb *flynn_hid.DeviceInfo
}

func detectU2F() (dev *Device, err error) {
	devices, err := flynn_hid.Devices()

	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		if d.UsagePage == api.HIDUsagePage &&
			d.VendorID == api.VendorID &&
			d.ProductID == api.ProductID {

			u2f, err := u2fhid.Open(d)

			if err != nil {
				return nil, err
			}

			return &Device{u2f: u2f, usb: d}, nil
		}
	}

	return
}
