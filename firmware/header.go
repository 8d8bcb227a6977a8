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

// Package firmware implements the application firmware image format and
// its verification pipeline: header bounds, payload digest, release
// signature, rollback record and optional transparency proof bundle.
package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLength is the fixed image header size in bytes, the payload
	// follows immediately.
	HeaderLength = 144

	// HeaderVersion is the only supported header layout revision.
	HeaderVersion = 1

	// MaxPayloadSize bounds the payload Length field, set by the
	// application firmware flash slot size.
	MaxPayloadSize = 0x200000

	// signedLength is the header prefix covered by the release
	// signature, all fields up to and including the payload digest.
	signedLength = 80

	buildLength = 32
)

// Magic identifies a Keygrove application firmware image.
var Magic = [4]byte{'K', 'G', 'R', 'V'}

// Header is the fixed-layout image header. The release signature covers
// all fields preceding it, binding the payload through its digest.
type Header struct {
	Magic         [4]byte
	HeaderVersion uint32
	Length        uint32
	Version       uint32
	Build         [32]byte
	Digest        [32]byte
	Signature     [64]byte
}

// Bytes converts the header structure to byte array format.
func (h *Header) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// Signed returns the header region covered by the release signature.
func (h *Header) Signed() []byte {
	return h.Bytes()[0:signedLength]
}

// BuildString returns the NUL-trimmed build identifier.
func (h *Header) BuildString() string {
	return string(bytes.TrimRight(h.Build[:], "\x00"))
}

// SetBuild stores a build identifier, NUL-padded to the field size.
func (h *Header) SetBuild(build string) error {
	if len(build) > buildLength {
		return fmt.Errorf("build identifier exceeds %d bytes", buildLength)
	}

	h.Build = [32]byte{}
	copy(h.Build[:], build)

	return nil
}

// DecodeHeader parses an image header, verifying magic and layout
// revision but not yet the image contents.
func DecodeHeader(buf []byte) (h *Header, err error) {
	if len(buf) < HeaderLength {
		return nil, errors.New("image shorter than header")
	}

	h = &Header{}

	if err = binary.Read(bytes.NewReader(buf[0:HeaderLength]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if h.Magic != Magic {
		return nil, errors.New("invalid image magic")
	}

	if h.HeaderVersion != HeaderVersion {
		return nil, fmt.Errorf("unsupported header version %d", h.HeaderVersion)
	}

	return
}

// ComputeDigest fills the header digest over the given payload and sets
// the corresponding Length.
func (h *Header) ComputeDigest(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayloadSize {
		return fmt.Errorf("invalid payload size %d", len(payload))
	}

	h.Length = uint32(len(payload))
	h.Digest = sha256.Sum256(payload)

	return nil
}
