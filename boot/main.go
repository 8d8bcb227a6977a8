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

// Keygrove Boot is the secure bootloader for Keygrove hardware wallets.
//
// It verifies, selects and launches application firmware, arms the
// memory firewall before any application code executes and brokers all
// access to protected key material through the dispatch gate.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"runtime"

	"golang.org/x/mod/sumdb/note"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/keygrove/keygrove-boot/api"
	"github.com/keygrove/keygrove-boot/firmware"
	"github.com/keygrove/keygrove-boot/gate"
	"github.com/keygrove/keygrove-boot/keyring"
	"github.com/keygrove/keygrove-boot/rpmb"
)

// initialized at compile time (see Makefile)
var (
	Build     string
	Revision  string
	Version   string
	PublicKey string

	// Firmware transparency log parameters, update proof bundle
	// verification is disabled when unset.
	LogOrigin         string
	LogPublicKey      string
	ManifestPublicKey string
)

var Control = usbarmory.USB1

// control interface status
var (
	imageVersion uint32
	bootState    api.BootState
	bootReason   string
	bootGate     *gate.Gate
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("KG firmware release key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	imx6ul.GIC.Init(true, false)

	log.Printf("%s/%s (%s) • secure bootloader %s (Secure World system/monitor) • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, Revision, Build)
}

// bundleVerifier builds the firmware transparency verifier from the
// compile time log parameters.
func bundleVerifier() *firmware.BundleVerifier {
	if len(LogPublicKey) == 0 || len(ManifestPublicKey) == 0 {
		log.Print("KG firmware transparency verification disabled")
		return nil
	}

	logVerifier, err := note.NewVerifier(LogPublicKey)

	if err != nil {
		log.Fatalf("KG invalid log public key, %v", err)
	}

	manifestVerifier, err := note.NewVerifier(ManifestPublicKey)

	if err != nil {
		log.Fatalf("KG invalid manifest public key, %v", err)
	}

	return &firmware.BundleVerifier{
		LogOrigin:         LogOrigin,
		LogVerifier:       logVerifier,
		ManifestVerifiers: []note.Verifier{manifestVerifier},
	}
}

// recovery makes the control interface available for re-flashing after a
// failed firmware verification, it never returns.
func recovery(ctl *controlInterface, reason error) {
	bootState = api.BootStateRecovery
	bootReason = reason.Error()

	log.Printf("KG entering recovery, %v", reason)
	usbarmory.LED("blue", true)

	ctl.Start()
	serviceInterrupts()
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	rng := rngInit()

	card := storage()

	if err := card.Detect(); err != nil {
		log.Fatalf("KG failed to detect storage, %v", err)
	}

	pub, err := hex.DecodeString(PublicKey)

	if err != nil {
		log.Fatalf("KG invalid firmware release key, %v", err)
	}

	var store *rpmb.Store
	var versions firmware.VersionStore

	if imx6ul.SNVS.Available() {
		mmc, ok := card.(rpmb.Card)

		if !ok {
			log.Fatal("KG storage lacks a protected partition")
		}

		if store, err = rpmbInit(mmc); err != nil {
			log.Fatalf("KG could not initialize rollback protection, %v", err)
		}

		versions = store
	} else {
		log.Print("KG no secure boot, rollback protection disabled")
		versions = &ephemeralVersions{}
	}

	verifier, err := firmware.NewVerifier(pub, versions)

	if err != nil {
		log.Fatalf("KG invalid firmware release key, %v", err)
	}

	rpc := &RPC{
		Storage: card,
	}

	ctl := &controlInterface{
		RPC:      rpc,
		verifier: verifier,
		bundles:  bundleVerifier(),
	}

	image, _, err := read(card)

	if err != nil {
		recovery(ctl, fmt.Errorf("could not read firmware, %v", err))
	}

	verdict, err := verifier.VerifyAndSelect(image)

	if err != nil {
		recovery(ctl, fmt.Errorf("firmware rejected, %w", err))
	}

	imageVersion = verdict.Version
	log.Printf("KG firmware verified version:%d build:%s", verdict.Version, verdict.Build)

	pairing, seed, err := loadSecrets(store, rng)

	if err != nil {
		log.Fatalf("KG could not load protected secrets, %v", err)
	}

	kr, err := keyring.New(pairing, seed)

	if err != nil {
		log.Fatalf("KG could not derive device keys, %v", err)
	}

	element, err := seInit(rng)

	switch {
	case err != nil:
		bootState = api.BootStateSEFailure
		bootReason = err.Error()
		log.Printf("KG secure element failure, %v", err)
	default:
		if bootGate, err = gate.New(gate.Config{
			Keyring: kr,
			SE:      element,
			Version: verdict.Version,
		}); err != nil {
			log.Fatalf("KG could not initialize dispatch gate, %v", err)
		}

		rpc.Gate = bootGate
		bootState = api.BootStateSELocked
	}

	// arm the memory firewall, last step before application execution
	if err = firewallInit(); err != nil {
		log.Fatalf("KG could not arm memory firewall, %v", err)
	}

	usbarmory.LED("white", true)

	if _, err = loadApp(verdict.Payload, ctl); err != nil {
		log.Printf("KG application firmware execution error, %v", err)
	}

	// start USB control interface
	ctl.Start()

	// never returns
	serviceInterrupts()
}
