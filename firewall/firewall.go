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

// Package firewall manages the memory firewall separating bootloader
// secrets from application firmware. A Region describes the protected
// window and its call gates, a Manager validates and installs it exactly
// once per boot through a hardware Controller.
package firewall

import (
	"errors"
	"fmt"
	"sync"
)

// Alignment is the hardware protection granularity, Region boundaries
// must fall on it.
const Alignment = 0x8000

var (
	// ErrConfig is returned for region descriptors the hardware cannot
	// represent or that would leave secrets reachable.
	ErrConfig = errors.New("invalid firewall configuration")

	// ErrInstalled is returned on any Install following a successful
	// one, the firewall is armed once per boot and never reconfigured.
	ErrInstalled = errors.New("firewall already installed")
)

// Region describes a protected memory window and the gate entry points
// which remain callable from application firmware.
type Region struct {
	// Start is the physical address of the protected window.
	Start uint32
	// Size is the window length in bytes.
	Size uint32
	// Gates are the entry addresses reachable through the call gate
	// mechanism, each must fall within the window.
	Gates []uint32
}

// Controller programs the platform memory protection hardware with a
// validated region.
type Controller interface {
	Apply(region Region) error
}

// Manager validates region descriptors against the application memory
// window and arms the firewall.
type Manager struct {
	sync.Mutex

	ctrl      Controller
	appStart  uint32
	appSize   uint32
	installed bool
}

// New returns a firewall manager for the given hardware controller and
// application firmware memory window.
func New(ctrl Controller, appStart uint32, appSize uint32) (*Manager, error) {
	if ctrl == nil {
		return nil, errors.New("no firewall controller")
	}

	if appSize == 0 {
		return nil, errors.New("empty application window")
	}

	return &Manager{
		ctrl:     ctrl,
		appStart: appStart,
		appSize:  appSize,
	}, nil
}

// Installed returns whether the firewall has been armed.
func (m *Manager) Installed() bool {
	m.Lock()
	defer m.Unlock()

	return m.installed
}

// Install validates the region and programs the protection hardware.
//
// It succeeds at most once per boot: any further call returns
// ErrInstalled regardless of arguments, reconfiguration requires a
// reset.
func (m *Manager) Install(region Region) error {
	m.Lock()
	defer m.Unlock()

	if m.installed {
		return ErrInstalled
	}

	if err := m.validate(region); err != nil {
		return err
	}

	if err := m.ctrl.Apply(region); err != nil {
		return fmt.Errorf("firewall programming failed: %w", err)
	}

	m.installed = true

	return nil
}

func (m *Manager) validate(region Region) error {
	if region.Size == 0 {
		return fmt.Errorf("%w: empty region", ErrConfig)
	}

	if region.Start%Alignment != 0 || region.Size%Alignment != 0 {
		return fmt.Errorf("%w: region %#x+%#x not %#x aligned", ErrConfig, region.Start, region.Size, Alignment)
	}

	start := uint64(region.Start)
	end := start + uint64(region.Size)

	if end > 1<<32 {
		return fmt.Errorf("%w: region wraps address space", ErrConfig)
	}

	appStart := uint64(m.appStart)
	appEnd := appStart + uint64(m.appSize)

	if start < appEnd && appStart < end {
		return fmt.Errorf("%w: region overlaps application window %#x+%#x", ErrConfig, m.appStart, m.appSize)
	}

	for _, gate := range region.Gates {
		if uint64(gate) < start || uint64(gate) >= end {
			return fmt.Errorf("%w: gate %#x outside protected region", ErrConfig, gate)
		}
	}

	return nil
}
