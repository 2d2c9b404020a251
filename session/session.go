// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session tracks the health of pairwise encrypted channels and
// coordinates signed session resets when a channel desynchronizes.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

// State is the health of one pairwise channel.
type State string

const (
	// StateHealthy means the channel decrypts normally.
	StateHealthy State = "healthy"

	// StateResetRequested means we sent a reset notice and are waiting
	// for traffic under the fresh session.
	StateResetRequested State = "reset_requested"
)

const stateCollection = "session_state"

var (
	// ErrBadResetSignature is returned when a reset notice fails
	// verification against the sender's known signing keys.
	ErrBadResetSignature = errors.New("session: reset notice signature invalid")

	// ErrResetWrongTarget is returned for a notice addressed to a
	// different device. Notices are pairwise; a relay must not be able
	// to fan one notice out to the target's siblings.
	ErrResetWrongTarget = errors.New("session: reset notice addressed to another device")

	// ErrResetReplayed is returned for a notice at or before the last
	// handled reset timestamp for the pair.
	ErrResetReplayed = errors.New("session: reset notice replayed")
)

// Cryptor is the pairwise encryption provider. Sessions are isolated
// per remote device; resetting one pair never disturbs another.
type Cryptor interface {
	Encrypt(deviceUUID string, plaintext []byte) ([]byte, error)
	Decrypt(deviceUUID string, ciphertext []byte) ([]byte, error)
	HasSession(deviceUUID string) bool
	ResetSession(deviceUUID string) error
}

type pairState struct {
	DeviceUUID  string `cbor:"device_uuid"`
	State       State  `cbor:"state"`
	RequestedAt int64  `cbor:"requested_at"`
	LastReset   int64  `cbor:"last_reset"`
}

// signableReset is the canonical byte layout covered by the notice
// signature. The target uuid pins the notice to one pairwise channel.
type signableReset struct {
	_          struct{} `cbor:",toarray"`
	Domain     string
	DeviceUUID string
	TargetUUID string
	Timestamp  int64
}

func resetSigningBytes(deviceUUID, targetUUID string, ts int64) ([]byte, error) {
	return cbor.Marshal(&signableReset{
		Domain:     "catmesh-session-reset-v1",
		DeviceUUID: deviceUUID,
		TargetUUID: targetUUID,
		Timestamp:  ts,
	})
}

// Coordinator owns the per-pair health state machine.
type Coordinator struct {
	store   *storage.Store
	cryptor Cryptor
	self    *identity.Identity
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *storage.Store, cryptor Cryptor, self *identity.Identity) *Coordinator {
	return &Coordinator{store: store, cryptor: cryptor, self: self}
}

// State reports the recorded health of the channel to deviceUUID.
// Unknown pairs are healthy.
func (c *Coordinator) State(deviceUUID string) (State, error) {
	ps, err := c.pair(deviceUUID)
	if err != nil {
		return "", err
	}
	return ps.State, nil
}

// pair loads the persisted pair state, defaulting to healthy for
// unknown pairs.
func (c *Coordinator) pair(deviceUUID string) (*pairState, error) {
	ps := &pairState{DeviceUUID: deviceUUID, State: StateHealthy}
	err := c.store.GetObject(stateCollection, deviceUUID, ps)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	return ps, nil
}

func (c *Coordinator) setState(deviceUUID string, s State) error {
	ps, err := c.pair(deviceUUID)
	if err != nil {
		return err
	}
	ps.State = s
	ps.RequestedAt = time.Now().UnixMilli()
	return c.store.PutObject(stateCollection, deviceUUID, ps)
}

// RequestReset discards the local session for deviceUUID and returns a
// signed notice for transmission. The pair stays in reset_requested
// until traffic decrypts under the fresh session.
func (c *Coordinator) RequestReset(deviceUUID string) (*wire.SessionReset, error) {
	if err := c.cryptor.ResetSession(deviceUUID); err != nil {
		return nil, fmt.Errorf("session: reset %s: %w", deviceUUID, err)
	}
	ts := time.Now().UnixMilli()
	msg, err := resetSigningBytes(c.self.DeviceUUID, deviceUUID, ts)
	if err != nil {
		return nil, err
	}
	notice := &wire.SessionReset{
		DeviceUUID: c.self.DeviceUUID,
		TargetUUID: deviceUUID,
		Timestamp:  ts,
		Signature:  c.self.Sign(msg),
	}
	if err := c.setState(deviceUUID, StateResetRequested); err != nil {
		return nil, err
	}
	return notice, nil
}

// OnDecryptFailure handles an undecryptable blob from deviceUUID. The
// first failure produces a reset notice; repeated failures while a
// reset is already outstanding return nil so the peer is not flooded.
func (c *Coordinator) OnDecryptFailure(deviceUUID string) (*wire.SessionReset, error) {
	s, err := c.State(deviceUUID)
	if err != nil {
		return nil, err
	}
	if s == StateResetRequested {
		return nil, nil
	}
	return c.RequestReset(deviceUUID)
}

// HandleReset verifies a peer's reset notice against its advertised
// signing keys and discards our side of the session. The notice must
// name this device as its target, and a timestamp at or before the
// last handled reset for the pair is treated as a relay replay.
func (c *Coordinator) HandleReset(notice *wire.SessionReset, expectedKeys [][]byte) error {
	if notice.TargetUUID != c.self.DeviceUUID {
		return ErrResetWrongTarget
	}
	msg, err := resetSigningBytes(notice.DeviceUUID, notice.TargetUUID, notice.Timestamp)
	if err != nil {
		return err
	}
	verified := false
	for _, raw := range expectedKeys {
		pk := new(ed25519.PublicKey)
		if err := pk.FromBytes(raw); err != nil {
			continue
		}
		if pk.Verify(notice.Signature, msg) {
			verified = true
			break
		}
	}
	if !verified {
		return ErrBadResetSignature
	}
	ps, err := c.pair(notice.DeviceUUID)
	if err != nil {
		return err
	}
	if notice.Timestamp <= ps.LastReset {
		return ErrResetReplayed
	}
	if err := c.cryptor.ResetSession(notice.DeviceUUID); err != nil {
		return fmt.Errorf("session: reset %s: %w", notice.DeviceUUID, err)
	}
	ps.State = StateHealthy
	ps.RequestedAt = time.Now().UnixMilli()
	ps.LastReset = notice.Timestamp
	return c.store.PutObject(stateCollection, notice.DeviceUUID, ps)
}

// MarkHealthy records a successful decrypt, closing out any pending
// reset for the pair.
func (c *Coordinator) MarkHealthy(deviceUUID string) error {
	s, err := c.State(deviceUUID)
	if err != nil {
		return err
	}
	if s == StateHealthy {
		return nil
	}
	return c.setState(deviceUUID, StateHealthy)
}

// ResetAll discards every listed pairwise session and returns the
// signed notices to transmit. Own devices are reset the same way as
// friend devices; the caller supplies the full target list.
func (c *Coordinator) ResetAll(deviceUUIDs []string) ([]*wire.SessionReset, error) {
	notices := make([]*wire.SessionReset, 0, len(deviceUUIDs))
	for _, id := range deviceUUIDs {
		n, err := c.RequestReset(id)
		if err != nil {
			return notices, err
		}
		notices = append(notices, n)
	}
	return notices, nil
}
