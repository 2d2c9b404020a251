// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory is the persisted record of this user's other
// devices and of each friend's devices. It resolves the fan-out target
// set for the dispatcher.
package directory

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
)

// Status is the friend relationship state.
type Status string

const (
	StatusPendingOutgoing Status = "pending_outgoing"
	StatusPendingIncoming Status = "pending_incoming"
	StatusAccepted        Status = "accepted"
)

const (
	selfCollection   = "directory_self"
	friendCollection = "directory_friends"
	selfKey          = "self"
)

var (
	// ErrDuplicateDevice is returned when a roster already holds the
	// device UUID being added.
	ErrDuplicateDevice = errors.New("directory: device already in roster")

	// ErrFriendNotFound is returned for an unknown friend username.
	ErrFriendNotFound = errors.New("directory: friend not found")

	// ErrLastDevice is returned when a removal would empty the self
	// roster. Revoking the last device is never allowed.
	ErrLastDevice = errors.New("directory: cannot remove the last device")
)

// Friend is a counterparty and their advertised devices. The device
// list only grows via an authenticated announce and only shrinks via an
// authenticated revocation announce.
type Friend struct {
	Username          string
	Devices           []identity.Device
	Status            Status
	RecoveryPublicKey []byte
	AddedAt           time.Time

	// LastAnnounce is the timestamp of the last applied roster
	// broadcast for this friend; older announces are no-ops.
	LastAnnounce int64
}

type selfRoster struct {
	Devices      []identity.Device
	LastAnnounce int64
}

// Directory is the repository over the durable store.
type Directory struct {
	store *storage.Store
}

// New creates a Directory backed by store.
func New(store *storage.Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) loadSelf() (*selfRoster, error) {
	blob, err := d.store.GetRaw(selfCollection, selfKey)
	if err == storage.ErrNotFound {
		return &selfRoster{}, nil
	}
	if err != nil {
		return nil, err
	}
	s := new(selfRoster)
	if err := cbor.Unmarshal(blob, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Directory) saveSelf(s *selfRoster) error {
	blob, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	return d.store.PutRaw(selfCollection, selfKey, blob)
}

// SelfDevices returns this user's full device roster, sorted by UUID.
func (d *Directory) SelfDevices() ([]identity.Device, error) {
	s, err := d.loadSelf()
	if err != nil {
		return nil, err
	}
	identity.SortDevices(s.Devices)
	return s.Devices, nil
}

// SelfAnnounceTime returns the timestamp of the last applied self
// roster broadcast.
func (d *Directory) SelfAnnounceTime() (int64, error) {
	s, err := d.loadSelf()
	if err != nil {
		return 0, err
	}
	return s.LastAnnounce, nil
}

// AddSelfDevice appends a device to the self roster, rejecting
// duplicates.
func (d *Directory) AddSelfDevice(dev identity.Device) error {
	s, err := d.loadSelf()
	if err != nil {
		return err
	}
	if identity.ContainsDevice(s.Devices, dev.DeviceUUID) {
		return ErrDuplicateDevice
	}
	s.Devices = append(s.Devices, dev)
	return d.saveSelf(s)
}

// RemoveSelfDevice drops a device from the self roster. The roster can
// never be emptied; the last device must be revoked by account
// deletion, not here.
func (d *Directory) RemoveSelfDevice(deviceUUID string) error {
	s, err := d.loadSelf()
	if err != nil {
		return err
	}
	if len(s.Devices) <= 1 {
		return ErrLastDevice
	}
	kept := s.Devices[:0]
	for _, dev := range s.Devices {
		if dev.DeviceUUID != deviceUUID {
			kept = append(kept, dev)
		}
	}
	s.Devices = kept
	return d.saveSelf(s)
}

// ReplaceSelfDevices overwrites the self roster wholesale, recording
// the announce timestamp that authorized it. Callers must have already
// checked announce authenticity and staleness.
func (d *Directory) ReplaceSelfDevices(devices []identity.Device, announceTime int64) error {
	s, err := d.loadSelf()
	if err != nil {
		return err
	}
	s.Devices = devices
	s.LastAnnounce = announceTime
	return d.saveSelf(s)
}

// Friend fetches a friend by username.
func (d *Directory) Friend(username string) (*Friend, error) {
	blob, err := d.store.GetRaw(friendCollection, username)
	if err == storage.ErrNotFound {
		return nil, ErrFriendNotFound
	}
	if err != nil {
		return nil, err
	}
	f := new(Friend)
	if err := cbor.Unmarshal(blob, f); err != nil {
		return nil, err
	}
	return f, nil
}

// UpsertFriend stores a friend record.
func (d *Directory) UpsertFriend(f *Friend) error {
	blob, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	return d.store.PutRaw(friendCollection, f.Username, blob)
}

// RemoveFriend deletes a friend record.
func (d *Directory) RemoveFriend(username string) error {
	return d.store.Delete(friendCollection, username)
}

// Friends returns every friend record.
func (d *Directory) Friends() ([]*Friend, error) {
	all, err := d.store.List(friendCollection)
	if err != nil {
		return nil, err
	}
	out := make([]*Friend, 0, len(all))
	for username := range all {
		f, err := d.Friend(username)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// AcceptedFriends returns friends with status accepted.
func (d *Directory) AcceptedFriends() ([]*Friend, error) {
	friends, err := d.Friends()
	if err != nil {
		return nil, err
	}
	out := friends[:0]
	for _, f := range friends {
		if f.Status == StatusAccepted {
			out = append(out, f)
		}
	}
	return out, nil
}

// OwnSyncTargets returns the user's other devices, excluding the one
// identified by selfUUID. These are the self-sync recipients.
func (d *Directory) OwnSyncTargets(selfUUID string) ([]identity.Device, error) {
	devices, err := d.SelfDevices()
	if err != nil {
		return nil, err
	}
	out := make([]identity.Device, 0, len(devices))
	for _, dev := range devices {
		if dev.DeviceUUID != selfUUID {
			out = append(out, dev)
		}
	}
	return out, nil
}
