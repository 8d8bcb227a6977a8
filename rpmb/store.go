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

package rpmb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protected region sector map. The region is reserved exclusively for
// bootloader use, application firmware never addresses it directly.
const (
	// SectorDummy is unused, reserved for CVE-2020-13799 mitigation.
	SectorDummy = 0
	// SectorVersion holds the firmware rollback version record.
	SectorVersion = 1
	// SectorPairing holds the pairing secret shared with the secure
	// element.
	SectorPairing = 2
	// SectorDeviceKey holds the device signing key seed.
	SectorDeviceKey = 3
)

// version epoch length
const versionLength = 4

// SecretLength is the fixed size of each stored secret.
const SecretLength = 32

// ErrRollback is returned by CheckVersion when the proposed version is
// older than the stored record.
var ErrRollback = errors.New("version older than rollback record")

// Store exposes the bootloader protected non-volatile records on top of
// an authenticated RPMB partition.
type Store struct {
	partition *RPMB
}

// NewStore wraps an initialized RPMB partition.
func NewStore(partition *RPMB) (*Store, error) {
	if partition == nil {
		return nil, errors.New("RPMB partition not initialized")
	}

	return &Store{partition: partition}, nil
}

// ExpectedVersion returns the stored firmware rollback version record.
func (s *Store) ExpectedVersion() (version uint32, err error) {
	buf := make([]byte, versionLength)

	if err = s.partition.Read(SectorVersion, buf); err != nil {
		return
	}

	return binary.BigEndian.Uint32(buf), nil
}

// UpdateVersion writes a new version epoch in the rollback record.
func (s *Store) UpdateVersion(version uint32) (err error) {
	buf := make([]byte, versionLength)
	binary.BigEndian.PutUint32(buf, version)

	return s.partition.Write(SectorVersion, buf)
}

// CheckVersion verifies a firmware version against the rollback record.
//
// A version older than the record returns ErrRollback. A more recent
// version raises the record before returning, making the acceptance of
// the newer firmware irreversible.
func (s *Store) CheckVersion(version uint32) (err error) {
	expectedVersion, err := s.ExpectedVersion()

	if err != nil {
		return
	}

	switch {
	case expectedVersion > version:
		return ErrRollback
	case expectedVersion == version:
		return
	default:
		return s.UpdateVersion(version)
	}
}

// ReadSecret returns the fixed-length secret stored in the given sector.
func (s *Store) ReadSecret(sector uint16) ([]byte, error) {
	if err := validSecretSector(sector); err != nil {
		return nil, err
	}

	buf := make([]byte, SecretLength)

	if err := s.partition.Read(sector, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteSecret stores a fixed-length secret in the given sector.
func (s *Store) WriteSecret(sector uint16, buf []byte) error {
	if err := validSecretSector(sector); err != nil {
		return err
	}

	if len(buf) != SecretLength {
		return fmt.Errorf("invalid secret size %d, want %d", len(buf), SecretLength)
	}

	return s.partition.Write(sector, buf)
}

func validSecretSector(sector uint16) error {
	if sector != SectorPairing && sector != SectorDeviceKey {
		return fmt.Errorf("sector %d does not hold a secret", sector)
	}

	return nil
}
