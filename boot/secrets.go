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
	"bytes"
	"log"

	"github.com/keygrove/keygrove-boot/entropy"
	"github.com/keygrove/keygrove-boot/rpmb"
	"github.com/keygrove/keygrove-boot/se"
)

// maximum consecutive failed unlock attempts before the secure element
// wipes the protected secret
const maxPINAttempts = 13

// loadSecrets reads the pairing secret and device key seed from the
// protected store, generating and persisting them on first boot.
//
// Without a protected store (emulation, development units) ephemeral
// secrets are generated, they do not survive reboots.
func loadSecrets(store *rpmb.Store, rng *entropy.Reader) (pairing []byte, seed []byte, err error) {
	if store == nil {
		log.Print("KG no protected store, using ephemeral secrets")

		if pairing, err = rng.Nonce(rpmb.SecretLength); err != nil {
			return
		}

		seed, err = rng.Nonce(rpmb.SecretLength)
		return
	}

	if pairing, err = secret(store, rng, rpmb.SectorPairing); err != nil {
		return
	}

	seed, err = secret(store, rng, rpmb.SectorDeviceKey)
	return
}

// secret returns the protected secret held at the given sector, an
// all-zero sector is considered unprovisioned and triggers generation.
func secret(store *rpmb.Store, rng *entropy.Reader, sector uint16) (buf []byte, err error) {
	if buf, err = store.ReadSecret(sector); err != nil {
		return
	}

	if !bytes.Equal(buf, make([]byte, rpmb.SecretLength)) {
		return
	}

	if buf, err = rng.Nonce(rpmb.SecretLength); err != nil {
		return
	}

	if err = store.WriteSecret(sector, buf); err != nil {
		return nil, err
	}

	log.Printf("KG provisioned protected secret @ sector %d", sector)

	return
}

// seInit pairs with the secure element over I2C, programming the pairing
// key on first boot with an unpaired element.
func seInit(rng *entropy.Reader) (*se.Client, error) {
	bus, err := newSEBus()

	if err != nil {
		return nil, err
	}

	key, err := deriveHardwareKey(diversifierSE)

	if err != nil {
		return nil, err
	}

	client, err := se.Init(bus, key, rng, se.Policy{MaxAttempts: maxPINAttempts})

	if err != nil {
		return nil, err
	}

	if _, err = client.Attempts(); err != nil {
		log.Print("KG secure element pairing key not yet programmed, programming")

		if err = client.ProgramKey(); err != nil {
			return nil, err
		}

		if _, err = client.Attempts(); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// ephemeralVersions replaces the rollback record when no protected store
// is available, accepting any version.
type ephemeralVersions struct{}

func (e *ephemeralVersions) CheckVersion(_ uint32) error {
	return nil
}
