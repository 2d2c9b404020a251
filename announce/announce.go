// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package announce implements the signed roster broadcast. A normal
// announce is signed by a device signing key; a revocation announce is
// signed by the recovery key, so revocation stays possible when the key
// being revoked is the compromised one.
package announce

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/wire"
)

var (
	// ErrBadSignature is returned when no expected key verifies the
	// canonical payload.
	ErrBadSignature = errors.New("announce: signature verification failed")

	// ErrStale is returned for an announce at or before the last applied
	// timestamp for the scope. Stale announces are expected under
	// reordered relay delivery; callers drop them without surfacing.
	ErrStale = errors.New("announce: stale timestamp")
)

// signableDevice is the deterministic projection of a Device used in
// the canonical payload. Time is flattened to unix milliseconds so both
// signer and verifier serialize identically.
type signableDevice struct {
	DeviceUUID       string
	ServerUserID     string
	DisplayName      string
	SigningPublicKey []byte
	AddedAtMilli     int64
}

type signablePayload struct {
	Devices      []signableDevice
	Timestamp    int64
	IsRevocation bool
}

var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// CanonicalPayload serializes the announce's signable content with
// devices sorted by UUID. Order sensitivity here is a correctness
// requirement: the verifier recomputes these exact bytes.
func CanonicalPayload(a *wire.DeviceAnnounce) ([]byte, error) {
	devices := make([]identity.Device, len(a.Devices))
	copy(devices, a.Devices)
	identity.SortDevices(devices)

	p := signablePayload{
		Devices:      make([]signableDevice, 0, len(devices)),
		Timestamp:    a.Timestamp,
		IsRevocation: a.IsRevocation,
	}
	for _, d := range devices {
		p.Devices = append(p.Devices, signableDevice{
			DeviceUUID:       d.DeviceUUID,
			ServerUserID:     d.ServerUserID,
			DisplayName:      d.DisplayName,
			SigningPublicKey: d.SigningPublicKey,
			AddedAtMilli:     d.AddedAt.UnixMilli(),
		})
	}
	return canonicalEncMode.Marshal(&p)
}

// Sign signs the canonical payload, filling in a.Signature. The signer
// is the device identity for roster announces and the recovery signing
// key for revocations.
func Sign(a *wire.DeviceAnnounce, sign func([]byte) []byte) error {
	payload, err := CanonicalPayload(a)
	if err != nil {
		return err
	}
	a.Signature = sign(payload)
	return nil
}

// Verify recomputes the canonical payload and checks a.Signature
// against the key class the announce claims. A roster announce must
// verify under a currently known device signing key; a revocation must
// verify under the recovery key and nothing else. Accepting either
// class for both would let one compromised device key forge a
// revocation that drops its siblings.
func Verify(a *wire.DeviceAnnounce, deviceKeys [][]byte, recoveryKey []byte) error {
	payload, err := CanonicalPayload(a)
	if err != nil {
		return err
	}
	if a.IsRevocation {
		if len(recoveryKey) == 0 {
			return ErrBadSignature
		}
		return verifyAny(a.Signature, payload, [][]byte{recoveryKey})
	}
	return verifyAny(a.Signature, payload, deviceKeys)
}

func verifyAny(sig, payload []byte, keys [][]byte) error {
	for _, raw := range keys {
		pub := new(ed25519.PublicKey)
		if err := pub.FromBytes(raw); err != nil {
			continue
		}
		if pub.Verify(sig, payload) {
			return nil
		}
	}
	return ErrBadSignature
}

// fresher reports whether a should supersede the roster last updated at
// lastApplied. On an identical timestamp the revocation wins; two
// announces of the same kind at the same instant are treated as
// already applied.
func fresher(a *wire.DeviceAnnounce, lastApplied int64) bool {
	if a.Timestamp > lastApplied {
		return true
	}
	return a.Timestamp == lastApplied && a.IsRevocation
}

// ApplyToFriend merges a verified announce into a friend record with
// last-write-wins semantics and persists the result.
func ApplyToFriend(dir *directory.Directory, f *directory.Friend, a *wire.DeviceAnnounce) error {
	if !fresher(a, f.LastAnnounce) {
		return ErrStale
	}
	f.Devices = a.Devices
	f.LastAnnounce = a.Timestamp
	return dir.UpsertFriend(f)
}

// ApplyToSelf merges a verified announce into the self roster.
func ApplyToSelf(dir *directory.Directory, a *wire.DeviceAnnounce) error {
	last, err := dir.SelfAnnounceTime()
	if err != nil {
		return err
	}
	if !fresher(a, last) {
		return ErrStale
	}
	return dir.ReplaceSelfDevices(a.Devices, a.Timestamp)
}

// FriendKeys extracts the verification keys from a friend's directory
// entry, split by class: the current device signing keys and the
// recovery key. An empty recovery key leaves the friend's revocations
// unverifiable until one is learned.
func FriendKeys(f *directory.Friend) (deviceKeys [][]byte, recoveryKey []byte) {
	deviceKeys = make([][]byte, 0, len(f.Devices))
	for _, d := range f.Devices {
		deviceKeys = append(deviceKeys, d.SigningPublicKey)
	}
	return deviceKeys, f.RecoveryPublicKey
}
