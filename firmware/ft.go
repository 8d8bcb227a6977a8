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
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"

	"github.com/keygrove/keygrove-boot/api"
)

// Release is the manifest committed to the firmware transparency log for
// each published image.
type Release struct {
	// Description is a human readable summary of the release.
	Description string `json:"description"`

	// Build is the image build identifier, matching the header field.
	Build string `json:"build"`

	// Version is the release semantic version.
	Version string `json:"version"`

	// FirmwareDigestSha256 is the SHA-256 digest of the full image,
	// header included.
	FirmwareDigestSha256 []byte `json:"firmware_digest_sha256"`
}

// BundleVerifier checks firmware transparency proof bundles accompanying
// updates received over the control interface.
type BundleVerifier struct {
	// LogOrigin identifies the expected transparency log.
	LogOrigin string
	// LogVerifier verifies checkpoint signatures from the expected log.
	LogVerifier note.Verifier
	// ManifestVerifiers must all have a matching signature on the
	// release manifest.
	ManifestVerifiers []note.Verifier
}

// Verify checks a proof bundle against an update image and returns the
// verified release manifest, or an error if the image is not a logged
// release.
func (v *BundleVerifier) Verify(b api.ProofBundle, image []byte) (*Release, error) {
	cp, _, _, err := log.ParseCheckpoint(b.Checkpoint, v.LogOrigin, v.LogVerifier)

	if err != nil {
		return nil, fmt.Errorf("invalid log checkpoint: %v", err)
	}

	n, err := note.Open(b.Manifest, note.VerifierList(v.ManifestVerifiers...))

	if err != nil {
		return nil, fmt.Errorf("invalid release manifest: %v", err)
	}

	if got, want := len(n.Sigs), len(v.ManifestVerifiers); got != want {
		return nil, fmt.Errorf("got %d verified manifest signatures, want %d", got, want)
	}

	release := &Release{}

	if err = json.Unmarshal([]byte(n.Text), release); err != nil {
		return nil, fmt.Errorf("invalid release manifest contents: %v", err)
	}

	if _, err = semver.NewVersion(release.Version); err != nil {
		return nil, fmt.Errorf("invalid release version %q: %v", release.Version, err)
	}

	leafHash := rfc6962.DefaultHasher.HashLeaf(b.Manifest)

	if err = proof.VerifyInclusion(rfc6962.DefaultHasher, b.LogIndex, cp.Size, leafHash, b.InclusionProof, cp.Hash); err != nil {
		return nil, fmt.Errorf("inclusion proof verification failed: %v", err)
	}

	digest := sha256.Sum256(image)

	if !bytes.Equal(release.FirmwareDigestSha256, digest[:]) {
		return nil, fmt.Errorf("manifest digest %x does not match image digest %x", release.FirmwareDigestSha256, digest)
	}

	return release, nil
}
