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
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/pbkdf2"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/keygrove/keygrove-boot/rpmb"
)

const (
	// RPMB key programming OTP flag bank/word
	rpmbFuseBank = 4
	rpmbFuseWord = 6

	diversifierMAC = "KeygroveRPMBMAC1"
	diversifierSE  = "KeygroveSEPair01"
	iter           = 4096
)

// deriveHardwareKey derives a device unique key through the SoC secret
// key derivation engine, stretched with the SoC unique identifier.
func deriveHardwareKey(diversifier string) ([]byte, error) {
	if imx6ul.DCP == nil {
		return nil, errors.New("unsupported hardware")
	}

	dk, err := imx6ul.DCP.DeriveKey([]byte(diversifier), make([]byte, aes.BlockSize), -1)

	if err != nil {
		return nil, fmt.Errorf("could not derive hardware key (%v)", err)
	}

	return pbkdf2.Key(dk, deviceID(), iter, sha256.Size, sha256.New), nil
}

// rpmbInit derives the partition MAC key and opens the protected store,
// programming the authentication key on first use.
//
// Key programming is guarded by an OTP fuse so that a malicious eMMC
// replacement cannot intercept ProgramKey() on a provisioned device.
func rpmbInit(card rpmb.Card) (store *rpmb.Store, err error) {
	key, err := deriveHardwareKey(diversifierMAC)

	if err != nil {
		return
	}

	partition, err := rpmb.Init(card, key, rpmb.SectorDummy, true)

	if err != nil {
		return
	}

	var e *rpmb.OperationError
	_, err = partition.Counter(false)

	switch {
	case err == nil:
		return rpmb.NewStore(partition)
	case !(errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed):
		return nil, err
	}

	if res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1); err != nil || bytes.Equal(res, []byte{1}) {
		return nil, fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}

	if err = otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return nil, fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	log.Print("KG RPMB authentication key not yet programmed, programming")

	if err = partition.ProgramKey(); err != nil {
		return nil, errors.New("could not program RPMB key")
	}

	return rpmb.NewStore(partition)
}
