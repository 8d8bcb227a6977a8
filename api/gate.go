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

// Package api defines the fixed ABI between the Keygrove application
// firmware and the bootloader dispatch gate, as well as the message types
// of the recovery control interface.
//
// The gate ABI is versioned and bit-for-bit fixed: request and response
// frames have a constant length and field layout, serialized little-endian.
// Changing any field offset or size is a breaking compatibility event
// requiring bootloader and application firmware to be rebuilt together.
package api

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ABIVersion identifies the gate calling convention implemented by
	// this package.
	ABIVersion = 1

	// RequestLength is the fixed gate request frame size in bytes.
	RequestLength = 128
	// ResponseLength is the fixed gate response frame size in bytes.
	ResponseLength = 128

	// MaxPINLength bounds the PIN field, matching the secure element
	// credential size.
	MaxPINLength = 32
	// MaxParamsLength bounds the request parameter block.
	MaxParamsLength = 64
	// MaxResultLength bounds the response result block.
	MaxResultLength = 96

	// NonceLength is the session/freshness nonce size.
	NonceLength = 16
)

// Gate opcodes, the set is closed: values outside this enumeration are
// rejected with StatusInvalidOpcode and have no side effects.
const (
	OpStatus = iota + 1
	OpUnlock
	OpAttempts
	OpPairingWords
	OpDeriveSessionKey
	OpSignDigest
	OpExportBackupKey
	OpLock
)

// Gate status codes returned in Response.Status.
const (
	StatusOK = iota
	StatusInvalidOpcode
	StatusBadParams
	StatusDenied
	StatusComm
	StatusLocked
	StatusExpended
	StatusInternal
)

// requestMagic marks a gate request frame for ABI version 1.
var requestMagic = [4]byte{'K', 'G', 'T', ABIVersion}

var (
	ErrFrameLength = errors.New("invalid frame length")
	ErrFrameMagic  = errors.New("invalid frame magic")
)

// Request is the gate request frame. The zero padding field is reserved
// and must be zero.
type Request struct {
	Magic    [4]byte
	Op       uint8
	PINLen   uint8
	ParamLen uint8
	Pad      uint8
	Nonce    [NonceLength]byte
	PIN      [MaxPINLength]byte
	Params   [MaxParamsLength]byte
	Reserved [8]byte
}

// Response is the gate response frame, echoing the request opcode.
type Response struct {
	Magic     [4]byte
	Op        uint8
	Status    uint8
	ResultLen uint8
	Pad       uint8
	Remaining uint32
	Nonce     [NonceLength]byte
	Result    [MaxResultLength]byte
	Reserved  [4]byte
}

// NewRequest returns a request frame for the given opcode with the ABI
// magic set.
func NewRequest(op uint8) *Request {
	return &Request{
		Magic: requestMagic,
		Op:    op,
	}
}

// SetPIN copies PIN material in the request frame.
func (r *Request) SetPIN(pin []byte) error {
	if len(pin) > MaxPINLength {
		return fmt.Errorf("PIN length %d exceeds %d", len(pin), MaxPINLength)
	}

	r.PINLen = uint8(copy(r.PIN[:], pin))

	return nil
}

// SetParams copies the parameter block in the request frame.
func (r *Request) SetParams(params []byte) error {
	if len(params) > MaxParamsLength {
		return fmt.Errorf("parameter length %d exceeds %d", len(params), MaxParamsLength)
	}

	r.ParamLen = uint8(copy(r.Params[:], params))

	return nil
}

// Bytes converts the request frame to its fixed wire format.
func (r *Request) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// DecodeRequest parses a request frame, validating length and magic. The
// opcode itself is validated by the gate, not here, so that unknown opcodes
// receive a well-formed StatusInvalidOpcode response.
func DecodeRequest(buf []byte) (req *Request, err error) {
	if len(buf) != RequestLength {
		return nil, ErrFrameLength
	}

	req = &Request{}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, req); err != nil {
		return
	}

	if req.Magic != requestMagic {
		return nil, ErrFrameMagic
	}

	if int(req.PINLen) > MaxPINLength || int(req.ParamLen) > MaxParamsLength {
		return nil, errors.New("invalid frame field length")
	}

	return
}

// NewResponse returns a response frame for the given opcode with the ABI
// magic set.
func NewResponse(op uint8) *Response {
	return &Response{
		Magic: requestMagic,
		Op:    op,
	}
}

// SetResult copies a result block in the response frame.
func (r *Response) SetResult(result []byte) error {
	if len(result) > MaxResultLength {
		return fmt.Errorf("result length %d exceeds %d", len(result), MaxResultLength)
	}

	r.ResultLen = uint8(copy(r.Result[:], result))

	return nil
}

// Bytes converts the response frame to its fixed wire format.
func (r *Response) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// DecodeResponse parses a response frame.
func DecodeResponse(buf []byte) (res *Response, err error) {
	if len(buf) != ResponseLength {
		return nil, ErrFrameLength
	}

	res = &Response{}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, res); err != nil {
		return
	}

	if res.Magic != requestMagic {
		return nil, ErrFrameMagic
	}

	return
}

// StatusName returns the textual form of a gate status code.
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusInvalidOpcode:
		return "INVALID_OPCODE"
	case StatusBadParams:
		return "BAD_PARAMS"
	case StatusDenied:
		return "DENIED"
	case StatusComm:
		return "COMM_ERROR"
	case StatusLocked:
		return "LOCKED"
	case StatusExpended:
		return "EXPENDED"
	case StatusInternal:
		return "INTERNAL"
	}

	return "UNKNOWN"
}
