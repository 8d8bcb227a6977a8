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

package se

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// FrameLength is the fixed secure element frame size in bytes.
	FrameLength = 128
	// macOffset is the offset, from the frame end, of the region covered
	// by the frame MAC.
	macOffset = 90
)

// Request/response message types, fixed by the secure element firmware.
const (
	PairingKeyProgramming = iota + 1
	AttemptCounterRead
	SecretUnlock
	SecretStore
	WipeSecret
)

// Operation results, fixed by the secure element firmware.
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterExpended
	InvalidRequest
	PairingKeyNotYetProgrammed
)

// OperationError wraps a non-OK secure element result code.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("secure element operation failed (%x)", e.Result)
}

// Frame is the fixed-layout secure element bus frame. The MAC covers all
// fields following KeyMAC (Payload through Req).
type Frame struct {
	Stuff   [6]byte
	KeyMAC  [32]byte
	Payload [64]byte
	Nonce   [16]byte
	Counter [4]byte
	Param   [2]byte
	Result  [2]byte
	Resp    byte
	Req     byte
}

// Remaining returns the frame Counter field in uint32 format, carrying
// the attempts-remaining count on unlock responses.
func (f *Frame) Remaining() uint32 {
	return binary.BigEndian.Uint32(f.Counter[:])
}

// Bytes converts the frame structure to byte array format.
func (f *Frame) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, f)
	return buf.Bytes()
}
