// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package friend implements the request/accept/reject state machine
// that populates the device directory for a counterparty.
package friend

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/wire"
)

var (
	// ErrAlreadyExists is returned when a friend record for the
	// username is already present.
	ErrAlreadyExists = errors.New("friend: relationship already exists")

	// ErrNotPending is returned when accept/reject is called for a
	// friend that has no pending incoming request.
	ErrNotPending = errors.New("friend: no pending incoming request")

	// ErrNoDevices is returned when a request or response advertises an
	// empty roster. An accepted friend always has at least one device.
	ErrNoDevices = errors.New("friend: empty device roster")
)

// Manager drives friend state transitions against the directory.
type Manager struct {
	dir  *directory.Directory
	self *identity.Identity
}

// NewManager creates a Manager.
func NewManager(dir *directory.Directory, self *identity.Identity) *Manager {
	return &Manager{dir: dir, self: self}
}

// Request starts an outgoing friend request. The request carries our
// current roster so the recipient can message any of our devices
// immediately upon acceptance.
func (m *Manager) Request(username, message string) (*wire.FriendRequest, error) {
	if _, err := m.dir.Friend(username); err == nil {
		return nil, ErrAlreadyExists
	} else if err != directory.ErrFriendNotFound {
		return nil, err
	}
	devices, err := m.dir.SelfDevices()
	if err != nil {
		return nil, err
	}
	f := &directory.Friend{
		Username: username,
		Status:   directory.StatusPendingOutgoing,
		AddedAt:  time.Now(),
	}
	if err := m.dir.UpsertFriend(f); err != nil {
		return nil, err
	}
	return &wire.FriendRequest{
		Username: m.self.Username,
		Devices:  devices,
		Message:  message,
	}, nil
}

// HandleRequest records an incoming friend request as pending.
func (m *Manager) HandleRequest(req *wire.FriendRequest) error {
	if len(req.Devices) == 0 {
		return ErrNoDevices
	}
	if existing, err := m.dir.Friend(req.Username); err == nil {
		// A crossed request is treated as theirs arriving second; keep
		// the roster fresh but do not regress an accepted state.
		if existing.Status == directory.StatusAccepted {
			existing.Devices = req.Devices
			return m.dir.UpsertFriend(existing)
		}
	} else if err != directory.ErrFriendNotFound {
		return err
	}
	f := &directory.Friend{
		Username: req.Username,
		Devices:  req.Devices,
		Status:   directory.StatusPendingIncoming,
		AddedAt:  time.Now(),
	}
	return m.dir.UpsertFriend(f)
}

// Accept confirms a pending incoming request and returns the response
// carrying our roster for transmission.
func (m *Manager) Accept(username string) (*wire.FriendResponse, error) {
	f, err := m.dir.Friend(username)
	if err != nil {
		return nil, err
	}
	if f.Status != directory.StatusPendingIncoming {
		return nil, ErrNotPending
	}
	if len(f.Devices) == 0 {
		return nil, ErrNoDevices
	}
	f.Status = directory.StatusAccepted
	if err := m.dir.UpsertFriend(f); err != nil {
		return nil, err
	}
	devices, err := m.dir.SelfDevices()
	if err != nil {
		return nil, err
	}
	return &wire.FriendResponse{
		Username: m.self.Username,
		Accepted: true,
		Devices:  devices,
	}, nil
}

// Reject drops a pending incoming request. A decline is still sent so
// the counterpart's UI does not block forever.
func (m *Manager) Reject(username string) (*wire.FriendResponse, error) {
	f, err := m.dir.Friend(username)
	if err != nil {
		return nil, err
	}
	if f.Status != directory.StatusPendingIncoming {
		return nil, ErrNotPending
	}
	if err := m.dir.RemoveFriend(username); err != nil {
		return nil, err
	}
	return &wire.FriendResponse{
		Username: m.self.Username,
		Accepted: false,
	}, nil
}

// HandleResponse applies the counterpart's answer to our outgoing
// request.
func (m *Manager) HandleResponse(resp *wire.FriendResponse) error {
	f, err := m.dir.Friend(resp.Username)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return m.dir.RemoveFriend(resp.Username)
	}
	if len(resp.Devices) == 0 {
		return ErrNoDevices
	}
	f.Status = directory.StatusAccepted
	f.Devices = resp.Devices
	return m.dir.UpsertFriend(f)
}

// VerificationCode derives the 4-digit out-of-band confirmation code
// for a friend: a hash over the sorted signing keys of both rosters.
// Both sides compute the same digits; matching codes confirm neither
// roster was tampered with in transit. This is a social check, not an
// authentication mechanism.
func (m *Manager) VerificationCode(username string) (string, error) {
	f, err := m.dir.Friend(username)
	if err != nil {
		return "", err
	}
	selfDevices, err := m.dir.SelfDevices()
	if err != nil {
		return "", err
	}
	keys := make([][]byte, 0, len(f.Devices)+len(selfDevices))
	for _, d := range f.Devices {
		keys = append(keys, d.SigningPublicKey)
	}
	for _, d := range selfDevices {
		keys = append(keys, d.SigningPublicKey)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i]) < string(keys[j])
	})
	h := sha256.New()
	for _, k := range keys {
		h.Write(k)
	}
	sum := h.Sum(nil)
	code := binary.BigEndian.Uint64(sum[:8]) % 10000
	return fmt.Sprintf("%04d", code), nil
}
