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

// Package gate implements the dispatch call gate between application
// firmware and the bootloader secrets. The opcode set is closed, every
// request is fully validated before any state is touched, and state is
// committed only after the underlying operation completes.
//
// The raw pairing secret never crosses the gate, with the single
// exception of the explicit backup export opcode under its stricter
// contract.
package gate

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"

	"github.com/keygrove/keygrove-boot/api"
	"github.com/keygrove/keygrove-boot/keyring"
	"github.com/keygrove/keygrove-boot/se"
)

// phase tracks the per-call state machine, calls always travel
// idle → validating → executing → returning → idle.
type phase int

const (
	phaseIdle = phase(iota)
	phaseValidating
	phaseExecuting
	phaseReturning
)

// SecureElement is the subset of the secure element client the gate
// dispatches to.
type SecureElement interface {
	Unlock(pin []byte) ([]byte, error)
	Attempts() (remaining uint32, err error)
	Policy() se.Policy
}

// Config collects the gate collaborators.
type Config struct {
	// Keyring holds the pairing secret and device signing key.
	Keyring *keyring.Keyring
	// SE accesses the secure element attempt counter and secret.
	SE SecureElement
	// Version is the running firmware rollback epoch, reported by the
	// status opcode.
	Version uint32
}

// Gate serializes and dispatches application firmware calls.
type Gate struct {
	sync.Mutex

	conf  Config
	phase phase

	unlocked bool
	secret   []byte
}

// New returns a dispatch gate over the given collaborators.
func New(conf Config) (*Gate, error) {
	if conf.Keyring == nil {
		return nil, errors.New("no keyring")
	}

	if conf.SE == nil {
		return nil, errors.New("no secure element client")
	}

	return &Gate{conf: conf}, nil
}

// Unlocked returns whether a successful unlock is in effect.
func (g *Gate) Unlocked() bool {
	g.Lock()
	defer g.Unlock()

	return g.unlocked
}

// Handle decodes a raw request frame and returns the raw response frame,
// it is the entry point for the syscall transport. Malformed frames that
// cannot be parsed at all receive a StatusBadParams response with a zero
// opcode echo.
func (g *Gate) Handle(buf []byte) []byte {
	req, err := api.DecodeRequest(buf)

	if err != nil {
		res := api.NewResponse(0)
		res.Status = api.StatusBadParams
		return res.Bytes()
	}

	return g.Call(req).Bytes()
}

// Call dispatches a single validated request. Unknown opcodes and
// malformed parameters are rejected before execution with zero side
// effects.
func (g *Gate) Call(req *api.Request) (res *api.Response) {
	g.Lock()
	defer g.Unlock()

	res = &api.Response{
		Magic: req.Magic,
		Op:    req.Op,
		Nonce: req.Nonce,
	}

	defer func() {
		g.phase = phaseIdle
	}()

	g.phase = phaseValidating

	if status := g.validate(req); status != api.StatusOK {
		res.Status = status
		return
	}

	g.phase = phaseExecuting

	g.execute(req, res)

	g.phase = phaseReturning

	return
}

// validate performs opcode and parameter checks, it must not modify any
// gate state.
func (g *Gate) validate(req *api.Request) uint8 {
	switch req.Op {
	case api.OpUnlock:
		if req.PINLen == 0 || req.ParamLen != 0 {
			return api.StatusBadParams
		}
	case api.OpPairingWords:
		if req.PINLen != 0 || req.ParamLen == 0 || int(req.ParamLen) > api.MaxPINLength {
			return api.StatusBadParams
		}
	case api.OpDeriveSessionKey:
		if req.PINLen != 0 || req.ParamLen != 0 || req.Nonce == [api.NonceLength]byte{} {
			return api.StatusBadParams
		}
	case api.OpSignDigest:
		if req.PINLen != 0 || int(req.ParamLen) != 32 {
			return api.StatusBadParams
		}
	case api.OpExportBackupKey:
		if req.PINLen != 0 || req.ParamLen != 0 || req.Nonce == [api.NonceLength]byte{} {
			return api.StatusBadParams
		}
	case api.OpStatus, api.OpAttempts, api.OpLock:
		if req.PINLen != 0 || req.ParamLen != 0 {
			return api.StatusBadParams
		}
	default:
		return api.StatusInvalidOpcode
	}

	return api.StatusOK
}

func (g *Gate) execute(req *api.Request, res *api.Response) {
	switch req.Op {
	case api.OpStatus:
		g.status(res)
	case api.OpUnlock:
		g.unlock(req.PIN[0:req.PINLen], res)
	case api.OpAttempts:
		g.attempts(res)
	case api.OpPairingWords:
		g.pairingWords(req.Params[0:req.ParamLen], res)
	case api.OpDeriveSessionKey:
		g.deriveSessionKey(req.Nonce[:], res)
	case api.OpSignDigest:
		g.signDigest(req.Params[0:req.ParamLen], res)
	case api.OpExportBackupKey:
		g.exportBackupKey(res)
	case api.OpLock:
		g.lock()
	}
}

func (g *Gate) status(res *api.Response) {
	result := make([]byte, 6)

	result[0] = api.ABIVersion

	if g.unlocked {
		result[1] = 1
	}

	binary.LittleEndian.PutUint32(result[2:6], g.conf.Version)

	res.SetResult(result)
	res.Remaining = g.conf.SE.Policy().MaxAttempts
}

func (g *Gate) unlock(pin []byte, res *api.Response) {
	secret, err := g.conf.SE.Unlock(pin)

	var denied *se.DeniedError

	switch {
	case err == nil:
		// commit only once the secure element reported success
		keyring.Zero(g.secret)
		g.secret = secret
		g.unlocked = true
		res.Remaining = g.conf.SE.Policy().MaxAttempts
	case errors.As(err, &denied):
		res.Status = api.StatusDenied
		res.Remaining = denied.Remaining
	case errors.Is(err, se.ErrExpended):
		res.Status = api.StatusExpended
	case errors.Is(err, se.ErrComm):
		res.Status = api.StatusComm
	default:
		res.Status = api.StatusInternal
	}
}

func (g *Gate) attempts(res *api.Response) {
	remaining, err := g.conf.SE.Attempts()

	if err != nil {
		res.Status = api.StatusComm
		return
	}

	res.Remaining = remaining
}

// pairingWords returns the anti-phishing words for a PIN prefix, allowing
// the user to authenticate the device before completing PIN entry. The
// words are derived, no secret material is exposed.
func (g *Gate) pairingWords(prefix []byte, res *api.Response) {
	words, err := g.conf.Keyring.PrefixWords(prefix)

	if err != nil {
		res.Status = api.StatusInternal
		return
	}

	res.SetResult([]byte(strings.Join(words[:], " ")))
}

func (g *Gate) deriveSessionKey(nonce []byte, res *api.Response) {
	key, err := g.conf.Keyring.SessionKey(nonce)

	if err != nil {
		res.Status = api.StatusInternal
		return
	}

	res.SetResult(key)
}

func (g *Gate) signDigest(digest []byte, res *api.Response) {
	if !g.unlocked {
		res.Status = api.StatusLocked
		return
	}

	sig, err := g.conf.Keyring.SignDigest(digest)

	if err != nil {
		res.Status = api.StatusInternal
		return
	}

	res.SetResult(sig)
}

// exportBackupKey is the only operation through which the raw pairing
// secret crosses the gate, it requires an unlocked session and a fresh
// caller nonce.
func (g *Gate) exportBackupKey(res *api.Response) {
	if !g.unlocked {
		res.Status = api.StatusLocked
		return
	}

	res.SetResult(g.conf.Keyring.ExportBackup())
}

func (g *Gate) lock() {
	keyring.Zero(g.secret)
	g.secret = nil
	g.unlocked = false
}
