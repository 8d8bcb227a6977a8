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

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()

	pairing := bytes.Repeat([]byte{0xaa}, PairingSecretLength)
	seed := bytes.Repeat([]byte{0x01}, ed25519.SeedSize)

	k, err := New(pairing, seed)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return k
}

func TestNewRejectsBadSizes(t *testing.T) {
	if _, err := New(make([]byte, PairingSecretLength-1), make([]byte, ed25519.SeedSize)); err == nil {
		t.Error("short pairing secret accepted")
	}

	if _, err := New(make([]byte, PairingSecretLength), make([]byte, ed25519.SeedSize+1)); err == nil {
		t.Error("oversized device seed accepted")
	}
}

func TestSessionKey(t *testing.T) {
	k := testKeyring(t)

	key1, err := k.SessionKey([]byte("nonce-1"))

	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}

	if len(key1) != SessionKeyLength {
		t.Fatalf("session key is %d bytes, want %d", len(key1), SessionKeyLength)
	}

	// same nonce derives the same key, a fresh nonce derives a fresh key
	key2, _ := k.SessionKey([]byte("nonce-1"))
	key3, _ := k.SessionKey([]byte("nonce-2"))

	if !bytes.Equal(key1, key2) {
		t.Error("session key is not deterministic for identical nonces")
	}

	if bytes.Equal(key1, key3) {
		t.Error("distinct nonces derived identical session keys")
	}

	if bytes.Contains(key1, bytes.Repeat([]byte{0xaa}, 8)) {
		t.Error("session key leaks pairing secret bytes")
	}

	if _, err = k.SessionKey(nil); err == nil {
		t.Error("empty nonce accepted")
	}
}

func TestSignDigest(t *testing.T) {
	k := testKeyring(t)

	digest := sha256.Sum256([]byte("transaction"))
	sig, err := k.SignDigest(digest[:])

	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	if !ed25519.Verify(k.Public(), digest[:], sig) {
		t.Error("signature does not verify")
	}

	if _, err = k.SignDigest(digest[:16]); err == nil {
		t.Error("truncated digest accepted")
	}
}

func TestPrefixWords(t *testing.T) {
	k := testKeyring(t)

	w1, err := k.PrefixWords([]byte("12"))

	if err != nil {
		t.Fatalf("PrefixWords: %v", err)
	}

	w2, err := k.PrefixWords([]byte("12"))

	if err != nil {
		t.Fatalf("PrefixWords: %v", err)
	}

	if diff := cmp.Diff(w1, w2); diff != "" {
		t.Fatalf("words are not stable across calls: %s", diff)
	}

	for _, w := range w1 {
		if len(w) == 0 {
			t.Fatal("empty anti-phishing word")
		}
	}

	// a different prefix or a different secret must change the words
	w3, _ := k.PrefixWords([]byte("13"))

	other, err := New(bytes.Repeat([]byte{0xbb}, PairingSecretLength), bytes.Repeat([]byte{0x01}, ed25519.SeedSize))

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w4, _ := other.PrefixWords([]byte("12"))

	if w1 == w3 && w1 == w4 {
		t.Error("words do not depend on prefix or pairing secret")
	}

	if _, err = k.PrefixWords(nil); err == nil {
		t.Error("empty prefix accepted")
	}
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Zero(buf)

	if !bytes.Equal(buf, make([]byte, 4)) {
		t.Errorf("buffer not zeroized: %x", buf)
	}

	k := testKeyring(t)
	pairing := k.pairing
	k.Destroy()

	if !bytes.Equal(pairing, make([]byte, PairingSecretLength)) {
		t.Error("pairing secret not zeroized on Destroy")
	}
}

func TestEqual(t *testing.T) {
	if !Equal([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Error("equal buffers compare unequal")
	}

	if Equal([]byte{1, 2, 3}, []byte{1, 2, 4}) || Equal([]byte{1, 2}, []byte{1, 2, 3}) {
		t.Error("unequal buffers compare equal")
	}
}
