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
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/transparency-dev/merkle/rfc6962"
	"github.com/transparency-dev/serverless-log/testonly"
	"golang.org/x/mod/sumdb/note"

	slog "github.com/transparency-dev/serverless-log/pkg/log"

	"github.com/keygrove/keygrove-boot/api"
)

const testLogOrigin = "keygrove-firmware-log-test"

type testLog struct {
	verifier *BundleVerifier
	signer   note.Signer
	manifest note.Signer
}

func newTestLog(t *testing.T) *testLog {
	t.Helper()

	logSkey, logVkey, err := note.GenerateKey(rand.Reader, "test-log")

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	manifestSkey, manifestVkey, err := note.GenerateKey(rand.Reader, "test-release")

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	logSigner, _ := note.NewSigner(logSkey)
	logVerifier, _ := note.NewVerifier(logVkey)
	manifestSigner, _ := note.NewSigner(manifestSkey)
	manifestVerifier, _ := note.NewVerifier(manifestVkey)

	return &testLog{
		verifier: &BundleVerifier{
			LogOrigin:         testLogOrigin,
			LogVerifier:       logVerifier,
			ManifestVerifiers: []note.Verifier{manifestVerifier},
		},
		signer:   logSigner,
		manifest: manifestSigner,
	}
}

// bundle integrates the release manifest for image into an in-memory
// log, as the first of two leaves, and returns a proof bundle for it.
func (l *testLog) bundle(t *testing.T, image []byte, version string) api.ProofBundle {
	t.Helper()

	ctx := context.Background()
	digest := sha256.Sum256(image)

	release, err := json.Marshal(&Release{
		Description:          "test release",
		Build:                "v1.2.3-test",
		Version:              version,
		FirmwareDigestSha256: digest[:],
	})

	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	manifest, err := note.Sign(&note.Note{Text: string(release) + "\n"}, l.manifest)

	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	hasher := rfc6962.DefaultHasher
	sibling := hasher.HashLeaf([]byte("other release"))

	ms := testonly.NewMemStorage()

	for _, leaf := range [][]byte{manifest, []byte("other release")} {
		if _, err = ms.Sequence(ctx, hasher.HashLeaf(leaf), leaf); err != nil {
			t.Fatalf("Sequence: %v", err)
		}
	}

	cp, err := slog.Integrate(ctx, 0, ms, hasher)

	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}

	cp.Origin = testLogOrigin

	checkpoint, err := note.Sign(&note.Note{Text: string(cp.Marshal())}, l.signer)

	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	return api.ProofBundle{
		Checkpoint:     checkpoint,
		LogIndex:       0,
		InclusionProof: [][]byte{sibling},
		Manifest:       manifest,
	}
}

func TestBundleVerify(t *testing.T) {
	l := newTestLog(t)

	image := []byte("firmware image contents")
	b := l.bundle(t, image, "1.2.3")

	release, err := l.verifier.Verify(b, image)

	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if release.Version != "1.2.3" {
		t.Errorf("version %q, want 1.2.3", release.Version)
	}
}

func TestBundleRejects(t *testing.T) {
	l := newTestLog(t)
	rogue := newTestLog(t)

	image := []byte("firmware image contents")

	for _, test := range []struct {
		name  string
		b     api.ProofBundle
		image []byte
		want  string
	}{
		{
			name:  "image not matching manifest",
			b:     l.bundle(t, image, "1.2.3"),
			image: []byte("different firmware"),
			want:  "does not match image digest",
		},
		{
			name:  "checkpoint from the wrong log",
			b:     rogue.bundle(t, image, "1.2.3"),
			image: image,
			want:  "invalid log checkpoint",
		},
		{
			name: "manifest not signed by release key",
			b: func() api.ProofBundle {
				b := l.bundle(t, image, "1.2.3")
				b.Manifest = rogue.bundle(t, image, "1.2.3").Manifest
				return b
			}(),
			image: image,
			want:  "invalid release manifest",
		},
		{
			name: "manifest not included in log",
			b: func() api.ProofBundle {
				b := l.bundle(t, image, "1.2.3")
				b.LogIndex = 1
				return b
			}(),
			image: image,
			want:  "inclusion proof",
		},
		{
			name:  "manifest version not semver",
			b:     l.bundle(t, image, "not-a-version"),
			image: image,
			want:  "invalid release version",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := l.verifier.Verify(test.b, test.image)

			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("got %v, want error containing %q", err, test.want)
			}
		})
	}
}
