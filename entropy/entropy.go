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

// Package entropy wraps the hardware true random number generator with
// start-up health tests and a NIST SP 800-90A CTR-DRBG.
//
// The raw source is validated with the SP 800-90B repetition count and
// adaptive proportion tests before it is allowed to seed the DRBG; a
// failing source is a fatal boot error, the bootloader must not fall back
// to an untested generator for nonces or key derivation.
package entropy

import (
	"errors"
	"fmt"
	"sync"

	drbg "github.com/canonical/go-sp800.90a-drbg"
)

// Source fills a buffer with raw samples from the hardware generator.
type Source func(buf []byte)

const (
	// seedLength is the entropy input size for DRBG instantiation.
	seedLength = 256
	// nonceLength is the DRBG instantiation nonce size.
	nonceLength = 128

	// startupSamples is the number of raw bytes examined at start-up.
	startupSamples = 1024

	// rctCutoff is the repetition count cutoff for 8-bit samples,
	// conservative for a source asserted at ~8 bits/byte.
	rctCutoff = 8

	// aptWindow and aptCutoff parameterize the adaptive proportion test
	// for non-binary samples.
	aptWindow = 512
	aptCutoff = 16
)

var (
	ErrRepetition = errors.New("entropy source repetition count exceeded")
	ErrProportion = errors.New("entropy source adaptive proportion exceeded")
)

// Reader is a health-tested, DRBG backed random number generator.
type Reader struct {
	sync.Mutex

	src Source
	rng *drbg.DRBG
}

// Init runs the start-up health tests against the raw source and returns a
// Reader backed by a CTR-DRBG seeded from it. The personalization string
// should bind the instance to the individual device (e.g. its unique ID).
func Init(src Source, personalization []byte) (*Reader, error) {
	if src == nil {
		return nil, errors.New("missing entropy source")
	}

	if err := SelfTest(src); err != nil {
		return nil, err
	}

	seed := make([]byte, seedLength)
	src(seed)

	nonce := make([]byte, nonceLength)
	src(nonce)

	rng, err := drbg.NewCTRWithExternalEntropy(32, seed, nonce, personalization, nil)

	if err != nil {
		return nil, fmt.Errorf("could not instantiate DRBG, %v", err)
	}

	return &Reader{
		src: src,
		rng: rng,
	}, nil
}

// SelfTest validates raw generator output with the SP 800-90B repetition
// count and adaptive proportion tests.
func SelfTest(src Source) error {
	buf := make([]byte, startupSamples)
	src(buf)

	return healthCheck(buf)
}

func healthCheck(buf []byte) error {
	// repetition count test
	var last byte
	run := 0

	for i, b := range buf {
		if i != 0 && b == last {
			if run++; run >= rctCutoff {
				return ErrRepetition
			}

			continue
		}

		last = b
		run = 1
	}

	// adaptive proportion test
	for start := 0; start+aptWindow <= len(buf); start += aptWindow {
		window := buf[start : start+aptWindow]
		count := 0

		for _, b := range window {
			if b == window[0] {
				count++
			}
		}

		if count >= aptCutoff {
			return ErrProportion
		}
	}

	return nil
}

// Read fills the buffer from the DRBG, implementing io.Reader.
func (r *Reader) Read(buf []byte) (int, error) {
	r.Lock()
	defer r.Unlock()

	if r.rng == nil {
		return 0, errors.New("entropy reader is not initialized")
	}

	return r.rng.Read(buf)
}

// Nonce returns n freshness bytes for protocol use.
func (r *Reader) Nonce(n int) ([]byte, error) {
	buf := make([]byte, n)

	if _, err := r.Read(buf); err != nil {
		return nil, err
	}

	return buf, nil
}
