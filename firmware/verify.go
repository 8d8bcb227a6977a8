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

package firmware

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/keygrove/keygrove-boot/rpmb"
)

// Rejection reasons, surfaced to the recovery control interface. Any of
// them halts the boot, there are no retries.
var (
	// ErrImageMalformed is returned for images whose header or bounds
	// cannot be parsed safely.
	ErrImageMalformed = errors.New("malformed firmware image")

	// ErrHashMismatch is returned when the payload digest does not match
	// the header.
	ErrHashMismatch = errors.New("firmware payload digest mismatch")

	// ErrBadSignature is returned when the release signature does not
	// verify under the embedded public key.
	ErrBadSignature = errors.New("invalid firmware signature")

	// ErrRollback is returned when the image version is older than the
	// stored rollback record.
	ErrRollback = errors.New("firmware version rollback")

	// ErrStore is returned when the rollback record cannot be read or
	// raised.
	ErrStore = errors.New("rollback record access failure")
)

// VersionStore verifies a firmware version epoch against a monotonic
// non-volatile record, raising the record on newer versions.
type VersionStore interface {
	CheckVersion(version uint32) error
}

// Verdict describes an accepted firmware image.
type Verdict struct {
	// Version is the image rollback epoch.
	Version uint32
	// Build is the image build identifier.
	Build string
	// Digest is the verified payload digest.
	Digest [32]byte
	// Payload is the executable image, aliasing the verified region of
	// the input buffer.
	Payload []byte
}

// Verifier validates application firmware images against the release
// public key and the rollback record.
type Verifier struct {
	pub   ed25519.PublicKey
	store VersionStore
}

// NewVerifier returns an image verifier for the given release public key
// and version store.
func NewVerifier(pub ed25519.PublicKey, store VersionStore) (*Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid release public key size")
	}

	if store == nil {
		return nil, errors.New("no version store")
	}

	return &Verifier{
		pub:   pub,
		store: store,
	}, nil
}

// Inspect validates an image without consulting the rollback record:
// bounds, payload digest and release signature. It never mutates any
// state, making it suitable for the firmware update path where the
// record is raised only once the new image actually boots.
func (v *Verifier) Inspect(image []byte) (*Verdict, error) {
	hdr, err := DecodeHeader(image)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageMalformed, err)
	}

	if hdr.Length == 0 || hdr.Length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d out of bounds", ErrImageMalformed, hdr.Length)
	}

	if uint64(len(image)) < HeaderLength+uint64(hdr.Length) {
		return nil, fmt.Errorf("%w: image truncated", ErrImageMalformed)
	}

	payload := image[HeaderLength : HeaderLength+hdr.Length]

	digest := sha256.Sum256(payload)

	if !hmac.Equal(digest[:], hdr.Digest[:]) {
		return nil, ErrHashMismatch
	}

	if !ed25519.Verify(v.pub, hdr.Signed(), hdr.Signature[:]) {
		return nil, ErrBadSignature
	}

	return &Verdict{
		Version: hdr.Version,
		Build:   hdr.BuildString(),
		Digest:  digest,
		Payload: payload,
	}, nil
}

// VerifyAndSelect validates an image read from flash and, when all
// checks pass, returns the bootable payload. Checks are ordered so that
// no unverified byte influences control flow beyond rejection: bounds,
// payload digest, release signature, rollback record.
//
// Accepting an image with a version newer than the rollback record
// raises the record, making the acceptance irreversible.
func (v *Verifier) VerifyAndSelect(image []byte) (*Verdict, error) {
	verdict, err := v.Inspect(image)

	if err != nil {
		return nil, err
	}

	if err = v.store.CheckVersion(verdict.Version); err != nil {
		if errors.Is(err, rpmb.ErrRollback) {
			return nil, fmt.Errorf("%w: version %d", ErrRollback, verdict.Version)
		}

		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return verdict, nil
}
