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

package api

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gsora/fidati/u2fhid"
)

const (
	// http://pid.codes/1209/
	VendorID  = 0x1209
	ProductID = 0x2743

	HIDUsagePage = 0xff00

	// Maximum message size according to U2F HID standard (see formula in
	// [FIDO U2F HID Protocol Specification, 2.4]).
	MaxMessageSize = 7609
)

// U2FHID vendor specific commands for the recovery control interface.
const (
	// Status
	U2FHID_KEYGROVE_INF = iota + u2fhid.VendorCommandFirst
	// Firmware update
	U2FHID_KEYGROVE_OTA
	// Console log retrieval (debug builds)
	U2FHID_KEYGROVE_CONSOLE_LOGS
)

// BootState distinguishes why the control interface is reachable, so that
// operators can tell an untrusted firmware from locked secrets from broken
// secure element communication.
type BootState int

const (
	// BootStateRunning means verified application firmware is running.
	BootStateRunning BootState = iota
	// BootStateRecovery means firmware verification failed and only
	// re-flashing is available.
	BootStateRecovery
	// BootStateSELocked means firmware is trusted but protected secrets
	// are not unlocked.
	BootStateSELocked
	// BootStateSEFailure means secure element communication is broken.
	BootStateSEFailure
)

func (s BootState) String() string {
	switch s {
	case BootStateRunning:
		return "running"
	case BootStateRecovery:
		return "recovery (firmware untrusted)"
	case BootStateSELocked:
		return "secrets locked"
	case BootStateSEFailure:
		return "secure element failure"
	}

	return "unknown"
}

// Status is the response to U2FHID_KEYGROVE_INF requests.
type Status struct {
	Serial   string
	HAB      bool
	Revision string
	Build    string
	Version  uint32
	Runtime  string
	State    BootState
	Reason   string
}

// Envelope is the control interface reply wrapper, distinct from the
// dispatch gate Response frame.
type Envelope struct {
	Error   string
	Payload []byte
}

// ProofBundle carries the firmware transparency artefacts for an update.
type ProofBundle struct {
	Checkpoint     []byte
	LogIndex       uint64
	InclusionProof [][]byte
	Manifest       []byte
}

// FirmwareUpdate is a chunked firmware transfer for U2FHID_KEYGROVE_OTA
// requests. Sequence zero starts a fresh transfer and carries the chunk
// count and proof bundle, image data follows in chunks until Total is
// reached.
type FirmwareUpdate struct {
	Total  uint32
	Seq    uint32
	Image  []byte
	Bundle ProofBundle
}

// Encode serializes a control interface message.
func Encode(msg any) ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(msg)
	return buf.Bytes(), err
}

// Decode deserializes a control interface message.
func Decode(buf []byte, msg any) error {
	return gob.NewDecoder(bytes.NewBuffer(buf)).Decode(msg)
}

// ErrorResponse converts an error in a serialized Envelope.
func ErrorResponse(err error) (res []byte) {
	res, _ = Encode(&Envelope{Error: err.Error()})
	return
}

// EmptyResponse for when no relevant data is available.
func EmptyResponse() (res []byte) {
	res, _ = Encode(&Envelope{})
	return
}

// Print returns the bootloader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("--------------------------------------------------------- Keygrove Boot ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Secure Boot ............: %v\n", p.HAB))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Version ................: %d\n", p.Version))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", p.Runtime))
	status.WriteString(fmt.Sprintf("State ..................: %s", p.State))

	if p.Reason != "" {
		status.WriteString(fmt.Sprintf("\nReason .................: %s", p.Reason))
	}

	return status.String()
}
