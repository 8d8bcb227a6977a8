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

// Package keyring manages the bootloader held key material: the long-term
// pairing secret shared with the secure element and the device signing key.
//
// All key material lives within the firewall protected region, instances
// must never be handed to application firmware; results cross the dispatch
// gate as copies.
package keyring

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// PairingSecretLength is the fixed pairing secret size.
	PairingSecretLength = 32
	// SessionKeyLength is the derived session key size.
	SessionKeyLength = 32
)

const sessionInfo = "keygrove-session-v1"

// Keyring holds the bootloader key material.
type Keyring struct {
	pairing []byte
	device  ed25519.PrivateKey
}

// New builds a keyring from the pairing secret and the device key seed,
// both retrieved from protected non-volatile storage at boot.
func New(pairing []byte, deviceSeed []byte) (*Keyring, error) {
	if len(pairing) != PairingSecretLength {
		return nil, errors.New("invalid pairing secret size")
	}

	if len(deviceSeed) != ed25519.SeedSize {
		return nil, errors.New("invalid device key seed size")
	}

	k := &Keyring{
		pairing: make([]byte, PairingSecretLength),
		device:  ed25519.NewKeyFromSeed(deviceSeed),
	}

	copy(k.pairing, pairing)

	return k, nil
}

// SessionKey derives a session key from the pairing secret and a caller
// nonce. The pairing secret itself never leaves the keyring.
func (k *Keyring) SessionKey(nonce []byte) ([]byte, error) {
	if len(k.pairing) == 0 {
		return nil, errors.New("keyring is not initialized")
	}

	if len(nonce) == 0 {
		return nil, errors.New("missing nonce")
	}

	key := make([]byte, SessionKeyLength)

	if _, err := io.ReadFull(hkdf.New(sha256.New, k.pairing, nonce, []byte(sessionInfo)), key); err != nil {
		return nil, err
	}

	return key, nil
}

// SignDigest signs a 32-byte digest with the device key.
func (k *Keyring) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, errors.New("invalid digest size")
	}

	return ed25519.Sign(k.device, digest), nil
}

// Public returns the device signing public key.
func (k *Keyring) Public() ed25519.PublicKey {
	return k.device.Public().(ed25519.PublicKey)
}

// ExportBackup returns a copy of the pairing secret, it must only be
// invoked through the explicit backup export gate opcode.
func (k *Keyring) ExportBackup() []byte {
	out := make([]byte, len(k.pairing))
	copy(out, k.pairing)
	return out
}

// Destroy zeroizes all key material held by the keyring.
func (k *Keyring) Destroy() {
	Zero(k.pairing)
	Zero(k.device)
	k.pairing = nil
	k.device = nil
}

// Equal performs a constant-time comparison of two equal-length buffers,
// the comparison time does not depend on the position of a mismatch.
func Equal(a []byte, b []byte) bool {
	return hmac.Equal(a, b)
}

// Zero overwrites a buffer to clear sensitive data from memory. The
// garbage collector gives no timing guarantee, explicit zeroization bounds
// the secret lifetime.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}

	runtime.KeepAlive(buf)
}
