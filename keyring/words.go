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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/tyler-smith/go-bip39/wordlists"
)

const wordsInfo = "keygrove-words-v1"

// wordBits is the index width of the BIP-39 English word list (2048 words).
const wordBits = 11

// PrefixWords derives the two anti-phishing words shown for a PIN prefix.
//
// The derivation commits to the pairing secret, so a substituted or wiped
// device produces different words for the same prefix. 22 bits of the
// HMAC output select two words, deliberately too little to leak usable
// information about the secret.
func (k *Keyring) PrefixWords(prefix []byte) (words [2]string, err error) {
	if len(k.pairing) == 0 {
		return words, errors.New("keyring is not initialized")
	}

	if len(prefix) == 0 || len(prefix) > PairingSecretLength {
		return words, errors.New("invalid prefix length")
	}

	mac := hmac.New(sha256.New, k.pairing)
	mac.Write([]byte(wordsInfo))
	mac.Write(prefix)
	sum := mac.Sum(nil)

	idx := binary.BigEndian.Uint32(sum[0:4])
	defer Zero(sum)

	list := wordlists.English

	words[0] = list[(idx>>wordBits)&(1<<wordBits-1)]
	words[1] = list[idx&(1<<wordBits-1)]

	return
}
