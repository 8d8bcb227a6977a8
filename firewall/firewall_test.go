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

package firewall

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testAppStart = 0x80000000
	testAppSize  = 0x10000000
)

// recorder captures hardware programming calls.
type recorder struct {
	applied []Region
	err     error
}

func (r *recorder) Apply(region Region) error {
	if r.err != nil {
		return r.err
	}

	r.applied = append(r.applied, region)

	return nil
}

func secretRegion() Region {
	return Region{
		Start: 0x90000000,
		Size:  4 * Alignment,
		Gates: []uint32{0x90000000, 0x90000040},
	}
}

func TestInstallOnce(t *testing.T) {
	ctrl := &recorder{}
	m, err := New(ctrl, testAppStart, testAppSize)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if m.Installed() {
		t.Fatal("armed before install")
	}

	if err = m.Install(secretRegion()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !m.Installed() {
		t.Fatal("not armed after install")
	}

	if err = m.Install(secretRegion()); !errors.Is(err, ErrInstalled) {
		t.Fatalf("second install: got %v, want ErrInstalled", err)
	}

	if len(ctrl.applied) != 1 {
		t.Fatalf("hardware programmed %d times, want 1", len(ctrl.applied))
	}

	if diff := cmp.Diff(secretRegion(), ctrl.applied[0]); diff != "" {
		t.Fatalf("programmed region diff: %s", diff)
	}
}

func TestInstallValidation(t *testing.T) {
	for _, test := range []struct {
		name   string
		region Region
	}{
		{
			name:   "empty region",
			region: Region{Start: 0x90000000},
		},
		{
			name:   "unaligned start",
			region: Region{Start: 0x90000100, Size: Alignment},
		},
		{
			name:   "unaligned size",
			region: Region{Start: 0x90000000, Size: Alignment + 0x100},
		},
		{
			name:   "address space wrap",
			region: Region{Start: 0xffff8000, Size: 2 * Alignment},
		},
		{
			name:   "application overlap",
			region: Region{Start: testAppStart + 0x100000, Size: Alignment},
		},
		{
			name: "gate below region",
			region: Region{
				Start: 0x90000000,
				Size:  Alignment,
				Gates: []uint32{0x8fff0000},
			},
		},
		{
			name: "gate past region end",
			region: Region{
				Start: 0x90000000,
				Size:  Alignment,
				Gates: []uint32{0x90000000 + Alignment},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctrl := &recorder{}
			m, err := New(ctrl, testAppStart, testAppSize)

			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err = m.Install(test.region); !errors.Is(err, ErrConfig) {
				t.Fatalf("got %v, want ErrConfig", err)
			}

			if len(ctrl.applied) != 0 {
				t.Fatal("invalid region reached the hardware")
			}

			if m.Installed() {
				t.Fatal("armed after rejected install")
			}
		})
	}
}

func TestInstallHardwareFailure(t *testing.T) {
	ctrl := &recorder{err: errors.New("bus fault")}
	m, err := New(ctrl, testAppStart, testAppSize)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err = m.Install(secretRegion()); err == nil {
		t.Fatal("programming failure not surfaced")
	}

	// a failed programming attempt must not count as armed
	if m.Installed() {
		t.Fatal("armed after hardware failure")
	}

	ctrl.err = nil

	if err = m.Install(secretRegion()); err != nil {
		t.Fatalf("retry after hardware failure: %v", err)
	}
}
