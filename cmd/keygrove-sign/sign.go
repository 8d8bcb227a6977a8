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

// keygrove-sign produces signed application firmware images and their
// release manifests for logging to the firmware transparency log.
package main

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog"

	"github.com/keygrove/keygrove-boot/firmware"
)

type config struct {
	payloadPath  string
	outputPath   string
	keyPath      string
	version      uint
	build        string
	manifestPath string
	release      string
	description  string
}

var conf config

func init() {
	flag.StringVar(&conf.payloadPath, "i", "", "application firmware payload (ELF)")
	flag.StringVar(&conf.outputPath, "o", "", "signed firmware image output")
	flag.StringVar(&conf.keyPath, "k", "", "release signing key (hex encoded Ed25519 seed)")
	flag.UintVar(&conf.version, "v", 0, "rollback version epoch")
	flag.StringVar(&conf.build, "b", "", "build identifier")
	flag.StringVar(&conf.manifestPath, "m", "", "release manifest output (optional)")
	flag.StringVar(&conf.release, "r", "", "release version (semver, required with -m)")
	flag.StringVar(&conf.description, "d", "", "release description")
}

func sign() error {
	if conf.payloadPath == "" || conf.outputPath == "" || conf.keyPath == "" {
		return errors.New("-i, -o and -k are required")
	}

	buf, err := os.ReadFile(conf.keyPath)

	if err != nil {
		return err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(buf)))

	if err != nil {
		return fmt.Errorf("invalid signing key encoding: %v", err)
	}

	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("invalid signing key size %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)

	payload, err := os.ReadFile(conf.payloadPath)

	if err != nil {
		return err
	}

	hdr := &firmware.Header{
		Magic:         firmware.Magic,
		HeaderVersion: firmware.HeaderVersion,
		Version:       uint32(conf.version),
	}

	if err = hdr.SetBuild(conf.build); err != nil {
		return err
	}

	if err = hdr.ComputeDigest(payload); err != nil {
		return err
	}

	copy(hdr.Signature[:], ed25519.Sign(priv, hdr.Signed()))

	image := append(hdr.Bytes(), payload...)

	if err = os.WriteFile(conf.outputPath, image, 0o644); err != nil {
		return err
	}

	klog.Infof("signed %d byte image (version %d, build %q) to %s",
		len(image), conf.version, conf.build, conf.outputPath)

	if conf.manifestPath == "" {
		return nil
	}

	if _, err = semver.NewVersion(conf.release); err != nil {
		return fmt.Errorf("invalid release version %q: %v", conf.release, err)
	}

	digest := sha256.Sum256(image)

	manifest, err := json.MarshalIndent(&firmware.Release{
		Description:          conf.description,
		Build:                conf.build,
		Version:              conf.release,
		FirmwareDigestSha256: digest[:],
	}, "", "  ")

	if err != nil {
		return err
	}

	if err = os.WriteFile(conf.manifestPath, manifest, 0o644); err != nil {
		return err
	}

	klog.Infof("wrote release manifest to %s", conf.manifestPath)

	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := sign(); err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}
