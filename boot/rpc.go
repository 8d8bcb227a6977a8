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
	"log"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/keygrove/keygrove-boot/api"
	"github.com/keygrove/keygrove-boot/gate"
)

// RPC is the receiver for application firmware calls over system calls,
// the dispatch gate is the only path to protected key material.
type RPC struct {
	Gate    *gate.Gate
	Storage Card
	Ctx     *monitor.ExecCtx
}

// GateCall services a dispatch gate request frame.
//
// All validation happens in the gate itself, malformed frames receive an
// encoded error response rather than an RPC error to keep the reply
// channel uniform.
func (r *RPC) GateCall(req []byte, res *[]byte) error {
	if r.Gate == nil {
		return errors.New("dispatch gate not available")
	}

	if res == nil {
		return errors.New("invalid argument")
	}

	*res = r.Gate.Handle(req)

	return nil
}

// Status returns bootloader status information.
func (r *RPC) Status(_ any, status *api.Status) error {
	if status == nil {
		return errors.New("invalid argument")
	}

	*status = *getStatus()

	return nil
}

// ConsoleLog returns the bootloader console log, on debug builds.
func (r *RPC) ConsoleLog(_ any, ret *[]byte) error {
	if ret == nil {
		return errors.New("invalid argument")
	}

	*ret = consoleLogs()

	return nil
}

// Reboot resets the system.
func (r *RPC) Reboot(_ any, _ *bool) error {
	log.Printf("KG rebooting")
	usbarmory.Reset()

	return nil
}
