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

package api

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// the control plane envelope and the gate frame are separate types, an
// envelope must never decode as a gate response
func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Error:   "firmware update rejected",
		Payload: []byte{0x01, 0x02},
	}

	buf, err := Encode(env)

	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got := &Envelope{}

	if err = Decode(buf, got); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(env, got); diff != "" {
		t.Fatalf("envelope round trip diff: %s", diff)
	}

	if _, err = DecodeResponse(buf); err == nil {
		t.Fatal("envelope decoded as gate frame")
	}
}

func TestErrorResponse(t *testing.T) {
	env := &Envelope{}

	if err := Decode(ErrorResponse(errors.New("no storage")), env); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if env.Error != "no storage" {
		t.Fatalf("error %q, want %q", env.Error, "no storage")
	}

	env = &Envelope{}

	if err := Decode(EmptyResponse(), env); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if env.Error != "" {
		t.Fatalf("unexpected error %q in empty response", env.Error)
	}
}
