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
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/keygrove/keygrove-boot/rpmb"
)

// memStore is an in-memory monotonic version record.
type memStore struct {
	version uint32
	err     error
}

func (s *memStore) CheckVersion(version uint32) error {
	if s.err != nil {
		return s.err
	}

	switch {
	case version < s.version:
		return rpmb.ErrRollback
	case version > s.version:
		s.version = version
	}

	return nil
}

func testImage(t *testing.T, priv ed25519.PrivateKey, version uint32, payload []byte) []byte {
	t.Helper()

	hdr := &Header{
		Magic:         Magic,
		HeaderVersion: HeaderVersion,
		Version:       version,
	}

	if err := hdr.SetBuild("v1.2.3-test"); err != nil {
		t.Fatalf("SetBuild: %v", err)
	}

	if err := hdr.ComputeDigest(payload); err != nil {
		t.Fatalf("ComputeDigest: %v", err)
	}

	copy(hdr.Signature[:], ed25519.Sign(priv, hdr.Signed()))

	return append(hdr.Bytes(), payload...)
}

func testVerifier(t *testing.T, version uint32) (*Verifier, ed25519.PrivateKey, *memStore) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	store := &memStore{version: version}

	v, err := NewVerifier(pub, store)

	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	return v, priv, store
}

func TestVerifyAndSelect(t *testing.T) {
	v, priv, _ := testVerifier(t, 0)

	payload := bytes.Repeat([]byte{0xfe, 0xed}, 512)
	image := testImage(t, priv, 7, payload)

	verdict, err := v.VerifyAndSelect(image)

	if err != nil {
		t.Fatalf("VerifyAndSelect: %v", err)
	}

	if verdict.Version != 7 {
		t.Errorf("version %d, want 7", verdict.Version)
	}

	if verdict.Build != "v1.2.3-test" {
		t.Errorf("build %q, want v1.2.3-test", verdict.Build)
	}

	if !bytes.Equal(verdict.Payload, payload) {
		t.Error("selected payload does not match input")
	}
}

func TestImageBounds(t *testing.T) {
	v, priv, _ := testVerifier(t, 0)

	payload := bytes.Repeat([]byte{0xaa}, 256)
	valid := testImage(t, priv, 1, payload)

	badMagic := append([]byte{}, valid...)
	badMagic[0] ^= 0xff

	badHeaderVersion := append([]byte{}, valid...)
	badHeaderVersion[4] = 0xfe

	zeroLength := append([]byte{}, valid...)
	copy(zeroLength[8:12], []byte{0, 0, 0, 0})

	hugeLength := append([]byte{}, valid...)
	copy(hugeLength[8:12], []byte{0xff, 0xff, 0xff, 0xff})

	for _, test := range []struct {
		name  string
		image []byte
	}{
		{name: "empty image", image: nil},
		{name: "header only partial", image: valid[:HeaderLength-1]},
		{name: "bad magic", image: badMagic},
		{name: "unsupported header version", image: badHeaderVersion},
		{name: "zero payload length", image: zeroLength},
		{name: "payload length out of bounds", image: hugeLength},
		{name: "truncated payload", image: valid[:len(valid)-1]},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := v.VerifyAndSelect(test.image); !errors.Is(err, ErrImageMalformed) {
				t.Fatalf("got %v, want ErrImageMalformed", err)
			}
		})
	}
}

func TestPayloadCorruption(t *testing.T) {
	v, priv, _ := testVerifier(t, 0)

	image := testImage(t, priv, 1, bytes.Repeat([]byte{0xaa}, 256))

	// single bit flip in the last payload byte
	image[len(image)-1] ^= 0x01

	if _, err := v.VerifyAndSelect(image); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("got %v, want ErrHashMismatch", err)
	}
}

func TestHeaderCorruption(t *testing.T) {
	v, priv, _ := testVerifier(t, 0)

	image := testImage(t, priv, 1, bytes.Repeat([]byte{0xaa}, 256))

	// raise the version epoch after signing
	image[12] ^= 0xff

	if _, err := v.VerifyAndSelect(image); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestWrongReleaseKey(t *testing.T) {
	v, _, _ := testVerifier(t, 0)
	_, rogue, _ := ed25519.GenerateKey(rand.Reader)

	image := testImage(t, rogue, 1, bytes.Repeat([]byte{0xaa}, 256))

	if _, err := v.VerifyAndSelect(image); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestRollbackRecord(t *testing.T) {
	v, priv, store := testVerifier(t, 10)

	payload := bytes.Repeat([]byte{0xaa}, 256)

	if _, err := v.VerifyAndSelect(testImage(t, priv, 9, payload)); !errors.Is(err, ErrRollback) {
		t.Fatalf("got %v, want ErrRollback", err)
	}

	if _, err := v.VerifyAndSelect(testImage(t, priv, 11, payload)); err != nil {
		t.Fatalf("newer version rejected: %v", err)
	}

	if store.version != 11 {
		t.Fatalf("record is %d, want 11", store.version)
	}

	// accepting 11 is irreversible
	if _, err := v.VerifyAndSelect(testImage(t, priv, 10, payload)); !errors.Is(err, ErrRollback) {
		t.Fatalf("got %v, want ErrRollback", err)
	}
}

// Inspect backs the update path, where a flashing failure must leave
// the installed firmware bootable: the rollback record may not move.
func TestInspectLeavesRecordUntouched(t *testing.T) {
	v, priv, store := testVerifier(t, 10)

	payload := bytes.Repeat([]byte{0xaa}, 256)

	if _, err := v.Inspect(testImage(t, priv, 9, payload)); err != nil {
		t.Fatalf("Inspect of older version: %v", err)
	}

	verdict, err := v.Inspect(testImage(t, priv, 12, payload))

	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}

	if verdict.Version != 12 {
		t.Fatalf("version %d, want 12", verdict.Version)
	}

	if store.version != 10 {
		t.Fatalf("record moved to %d, want 10", store.version)
	}

	// static rejections still apply
	image := testImage(t, priv, 12, payload)
	image[len(image)-1] ^= 0x01

	if _, err = v.Inspect(image); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("got %v, want ErrHashMismatch", err)
	}
}

func TestVersionStoreFailure(t *testing.T) {
	v, priv, store := testVerifier(t, 0)

	store.err = errors.New("partition unreachable")

	if _, err := v.VerifyAndSelect(testImage(t, priv, 1, []byte{0x01})); !errors.Is(err, ErrStore) {
		t.Fatalf("got %v, want ErrStore", err)
	}
}
