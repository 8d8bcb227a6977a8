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

// Package se implements the client side of the Keygrove secure element
// protocol: authenticated, replay-protected request/response frames over
// a point-to-point bus to the external tamper-resistant chip holding the
// wallet secrets and the PIN attempt counter.
//
// The attempt counter is enforced by the secure element itself, the
// client only surfaces the remaining count. Communication failures are
// bounded-retried and never reported as an authentication outcome, so a
// glitched or interposed bus cannot be used to drain or bypass the
// counter.
package se

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// SecretLength is the size of the secure element held secret.
	SecretLength = 32
	// MaxPINLength bounds unlock credentials.
	MaxPINLength = 32

	// commRetries is the number of bus exchanges attempted before an
	// operation is surfaced as a communication failure.
	commRetries = 3

	// equalizeFloor pads every unlock outcome to a fixed minimum
	// duration, success and failure are indistinguishable to a timing
	// observer at this granularity.
	equalizeFloor = 100 * time.Millisecond
)

// backoff delays between bus retry attempts.
var backoff = []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 250 * time.Millisecond}

const pinDiversifier = "keygrove-se-pin-v1"

var (
	// ErrComm is returned when the secure element cannot be reached or
	// answers with malformed or unauthenticated frames after bounded
	// retries. It is never the result of a failed PIN attempt.
	ErrComm = errors.New("secure element communication failure")

	// ErrExpended is returned once the secure element has wiped its
	// secret after too many failed attempts.
	ErrExpended = errors.New("secure element attempt counter expended")
)

// DeniedError is a legitimate authentication refusal, with the remaining
// attempt count as reported by the secure element.
type DeniedError struct {
	Remaining uint32
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("unlock denied, %d attempts remaining", e.Remaining)
}

// Bus is a point-to-point transport to the secure element, Exchange
// blocks until a response frame is received or the hardware timeout
// expires.
type Bus interface {
	Exchange(req []byte) (res []byte, err error)
}

// Clock abstracts time for backoff and timing equalization, allowing
// host-side tests to observe both deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Policy mirrors the lockout threshold programmed in the secure element,
// for reporting purposes only: enforcement is on the element side.
type Policy struct {
	MaxAttempts uint32
}

// Client accesses the secure element with a device specific pairing key.
type Client struct {
	mu sync.Mutex

	bus    Bus
	clock  Clock
	rand   io.Reader
	policy Policy
	key    [32]byte
}

// Init returns a secure element client authenticating with the given
// pairing key, using rand for freshness nonces.
func Init(bus Bus, key []byte, rand io.Reader, policy Policy) (c *Client, err error) {
	if bus == nil {
		return nil, errors.New("no bus set")
	}

	if len(key) != sha256.Size {
		return nil, errors.New("invalid pairing key size")
	}

	if rand == nil {
		return nil, errors.New("missing nonce source")
	}

	c = &Client{
		bus:    bus,
		clock:  systemClock{},
		rand:   rand,
		policy: policy,
	}

	copy(c.key[:], key)

	return
}

// SetClock overrides the client time source.
func (c *Client) SetClock(clock Clock) {
	c.clock = clock
}

// Policy returns the mirrored lockout policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// ProgramKey programs the pairing key in the secure element.
//
// *WARNING*: this is a one-time irreversible operation for the specific
// secure element, performed at manufacturing or first use.
func (c *Client) ProgramKey() (err error) {
	req := &Frame{
		KeyMAC: c.key,
		Req:    PairingKeyProgramming,
	}

	_, err = c.op(req, false)

	return
}

// Attempts returns the remaining unlock attempts before the secure
// element wipes its secret.
func (c *Client) Attempts() (remaining uint32, err error) {
	req := &Frame{
		Req: AttemptCounterRead,
	}

	res, err := c.op(req, true)

	if err != nil {
		return 0, err
	}

	return res.Remaining(), nil
}

// Unlock presents PIN material to the secure element and, on success,
// returns the stored secret. A wrong PIN returns DeniedError with the
// remaining attempt count, an expended counter returns ErrExpended.
//
// The success and failure paths are padded to a common minimum duration.
func (c *Client) Unlock(pin []byte) (secret []byte, err error) {
	start := c.clock.Now()
	defer c.equalize(start)

	digest, err := c.pinDigest(pin)

	if err != nil {
		return nil, err
	}

	req := &Frame{
		Req: SecretUnlock,
	}

	copy(req.Payload[:], digest)

	res, err := c.op(req, true)

	var e *OperationError

	switch {
	case err == nil:
		secret = make([]byte, SecretLength)
		copy(secret, res.Payload[:SecretLength])
		return secret, nil
	case errors.As(err, &e) && e.Result == AuthenticationFailure:
		return nil, &DeniedError{Remaining: res.Remaining()}
	case errors.As(err, &e) && e.Result == CounterExpended:
		return nil, ErrExpended
	}

	return nil, err
}

// Store writes a new secret in the secure element, authenticating with
// the current PIN material. The attempt counter is reset by the secure
// element on success.
func (c *Client) Store(pin []byte, secret []byte) (err error) {
	if len(secret) != SecretLength {
		return errors.New("invalid secret size")
	}

	digest, err := c.pinDigest(pin)

	if err != nil {
		return
	}

	req := &Frame{
		Req: SecretStore,
	}

	copy(req.Payload[0:sha256.Size], digest)
	copy(req.Payload[sha256.Size:sha256.Size+SecretLength], secret)

	_, err = c.op(req, true)

	return
}

// Wipe destroys the secure element held secret and expends the attempt
// counter, it requires a valid PIN digest.
func (c *Client) Wipe(pin []byte) (err error) {
	digest, err := c.pinDigest(pin)

	if err != nil {
		return
	}

	req := &Frame{
		Req: WipeSecret,
	}

	copy(req.Payload[:], digest)

	_, err = c.op(req, true)

	return
}

// pinDigest derives the value presented to the secure element from PIN
// material, binding it to the pairing key so a bus observer cannot replay
// it against a substituted element.
func (c *Client) pinDigest(pin []byte) ([]byte, error) {
	if len(pin) == 0 || len(pin) > MaxPINLength {
		return nil, errors.New("invalid PIN size")
	}

	mac := hmac.New(sha256.New, c.key[:])
	mac.Write([]byte(pinDiversifier))
	mac.Write(pin)

	return mac.Sum(nil), nil
}

// op performs a single authenticated exchange, with bounded retries on
// communication failures. Authentication results from the secure element
// (including failures) are returned without retry, alongside the response
// frame for counter extraction.
func (c *Client) op(req *Frame, auth bool) (res *Frame, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < commRetries; i++ {
		if i > 0 {
			c.clock.Sleep(backoff[i-1])
		}

		if res, err = c.exchange(req, auth); err == nil {
			break
		}

		// a secure element verdict is final, only transport level
		// failures are retried
		var e *OperationError

		if errors.As(err, &e) {
			return
		}
	}

	if err != nil {
		return nil, ErrComm
	}

	return
}

func (c *Client) exchange(req *Frame, auth bool) (res *Frame, err error) {
	if auth {
		nonce := make([]byte, len(req.Nonce))

		if _, err = io.ReadFull(c.rand, nonce); err != nil {
			return nil, fmt.Errorf("nonce generation failed: %v", err)
		}

		copy(req.Nonce[:], nonce)

		mac := hmac.New(sha256.New, c.key[:])
		mac.Write(req.Bytes()[FrameLength-macOffset:])
		copy(req.KeyMAC[:], mac.Sum(nil))
	}

	buf, err := c.bus.Exchange(req.Bytes())

	if err != nil {
		return
	}

	if len(buf) != FrameLength {
		return nil, errors.New("truncated response frame")
	}

	res = &Frame{}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, res); err != nil {
		return
	}

	if auth {
		mac := hmac.New(sha256.New, c.key[:])
		mac.Write(buf[FrameLength-macOffset:])

		if !hmac.Equal(res.KeyMAC[:], mac.Sum(nil)) {
			return nil, errors.New("invalid response MAC")
		}

		if req.Nonce != res.Nonce {
			return nil, errors.New("nonce mismatch")
		}
	}

	if req.Req != res.Resp {
		return nil, errors.New("request/response type mismatch")
	}

	result := binary.BigEndian.Uint16(res.Result[:])

	if result != uint16(OperationOK) {
		return res, &OperationError{result}
	}

	return
}

// equalize pads the elapsed operation time to the configured floor with
// a delay independent of any secret material.
func (c *Client) equalize(start time.Time) {
	if elapsed := c.clock.Now().Sub(start); elapsed < equalizeFloor {
		c.clock.Sleep(equalizeFloor - elapsed)
	}
}
