// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package announce

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

func testDir(t *testing.T) *directory.Directory {
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return directory.New(s)
}

func testKeypair(t *testing.T) (*ed25519.PrivateKey, *ed25519.PublicKey) {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return priv, pub
}

func testAnnounce(t *testing.T, priv *ed25519.PrivateKey, pub *ed25519.PublicKey, ts int64, revocation bool) *wire.DeviceAnnounce {
	a := &wire.DeviceAnnounce{
		Devices: []identity.Device{{
			DeviceUUID:       "dev-1",
			DisplayName:      "laptop",
			SigningPublicKey: pub.Bytes(),
			AddedAt:          time.UnixMilli(ts),
		}},
		Timestamp:    ts,
		IsRevocation: revocation,
	}
	require.NoError(t, Sign(a, priv.SignMessage))
	return a
}

func TestVerify(t *testing.T) {
	priv, pub := testKeypair(t)
	a := testAnnounce(t, priv, pub, 1000, false)

	require.NoError(t, Verify(a, [][]byte{pub.Bytes()}, nil))

	_, wrongPub := testKeypair(t)
	require.Equal(t, ErrBadSignature, Verify(a, [][]byte{wrongPub.Bytes()}, nil))

	// Tampering with the roster invalidates the signature.
	a.Devices[0].DisplayName = "evil"
	require.Equal(t, ErrBadSignature, Verify(a, [][]byte{pub.Bytes()}, nil))
}

func TestVerifyBindsKeyClass(t *testing.T) {
	devPriv, devPub := testKeypair(t)
	recPriv, recPub := testKeypair(t)

	// A revocation signed by a device key never verifies, even though
	// that key is a current roster key.
	rev := testAnnounce(t, devPriv, devPub, 1000, true)
	require.Equal(t, ErrBadSignature, Verify(rev, [][]byte{devPub.Bytes()}, recPub.Bytes()))

	// It verifies only under the recovery key.
	rev = testAnnounce(t, recPriv, devPub, 1000, true)
	require.NoError(t, Verify(rev, [][]byte{devPub.Bytes()}, recPub.Bytes()))

	// Without a known recovery key, revocations are unverifiable.
	require.Equal(t, ErrBadSignature, Verify(rev, [][]byte{devPub.Bytes()}, nil))

	// Conversely a roster announce signed by the recovery key never
	// verifies, so leaked recovery material cannot grow the roster.
	add := testAnnounce(t, recPriv, devPub, 2000, false)
	require.Equal(t, ErrBadSignature, Verify(add, [][]byte{devPub.Bytes()}, recPub.Bytes()))
}

func TestDeviceSignedRevocationKeepsSibling(t *testing.T) {
	devPriv, devPub := testKeypair(t)
	_, siblingPub := testKeypair(t)
	_, recPub := testKeypair(t)
	dir := testDir(t)

	f := &directory.Friend{
		Username: "bob",
		Status:   directory.StatusAccepted,
		Devices: []identity.Device{
			{DeviceUUID: "dev-1", SigningPublicKey: devPub.Bytes()},
			{DeviceUUID: "dev-2", SigningPublicKey: siblingPub.Bytes()},
		},
		RecoveryPublicKey: recPub.Bytes(),
	}
	require.NoError(t, dir.UpsertFriend(f))

	// dev-1 tries to revoke dev-2 with its own device key.
	rev := &wire.DeviceAnnounce{
		Devices:      f.Devices[:1],
		Timestamp:    5000,
		IsRevocation: true,
	}
	require.NoError(t, Sign(rev, devPriv.SignMessage))

	deviceKeys, recoveryKey := FriendKeys(f)
	require.Equal(t, ErrBadSignature, Verify(rev, deviceKeys, recoveryKey))

	got, err := dir.Friend("bob")
	require.NoError(t, err)
	require.Len(t, got.Devices, 2)
}

func TestStaleAnnounceRejected(t *testing.T) {
	priv, pub := testKeypair(t)
	dir := testDir(t)
	f := &directory.Friend{Username: "bob", Status: directory.StatusAccepted}

	fresh := testAnnounce(t, priv, pub, 2000, false)
	require.NoError(t, ApplyToFriend(dir, f, fresh))
	require.Equal(t, int64(2000), f.LastAnnounce)

	stale := testAnnounce(t, priv, pub, 1000, false)
	require.Equal(t, ErrStale, ApplyToFriend(dir, f, stale))
	require.Equal(t, int64(2000), f.LastAnnounce)
}

func TestEqualTimestampRevocationWins(t *testing.T) {
	priv, pub := testKeypair(t)
	dir := testDir(t)
	f := &directory.Friend{Username: "bob", Status: directory.StatusAccepted}

	roster := testAnnounce(t, priv, pub, 3000, false)
	require.NoError(t, ApplyToFriend(dir, f, roster))

	// Same instant: the revocation supersedes the roster announce.
	revocation := testAnnounce(t, priv, pub, 3000, true)
	require.NoError(t, ApplyToFriend(dir, f, revocation))

	// But a roster announce never supersedes at the same instant.
	again := testAnnounce(t, priv, pub, 3000, false)
	require.Equal(t, ErrStale, ApplyToFriend(dir, f, again))
}

func TestApplyToSelf(t *testing.T) {
	priv, pub := testKeypair(t)
	dir := testDir(t)

	a := testAnnounce(t, priv, pub, 4000, false)
	require.NoError(t, ApplyToSelf(dir, a))

	devices, err := dir.SelfDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "dev-1", devices[0].DeviceUUID)

	last, err := dir.SelfAnnounceTime()
	require.NoError(t, err)
	require.Equal(t, int64(4000), last)
}

func TestCanonicalPayloadOrderInsensitive(t *testing.T) {
	_, pubA := testKeypair(t)
	_, pubB := testKeypair(t)
	devA := identity.Device{DeviceUUID: "a", SigningPublicKey: pubA.Bytes(), AddedAt: time.UnixMilli(1)}
	devB := identity.Device{DeviceUUID: "b", SigningPublicKey: pubB.Bytes(), AddedAt: time.UnixMilli(2)}

	one, err := CanonicalPayload(&wire.DeviceAnnounce{Devices: []identity.Device{devA, devB}, Timestamp: 9})
	require.NoError(t, err)
	two, err := CanonicalPayload(&wire.DeviceAnnounce{Devices: []identity.Device{devB, devA}, Timestamp: 9})
	require.NoError(t, err)
	require.Equal(t, one, two)
}

func TestFriendKeysSplitByClass(t *testing.T) {
	_, pub := testKeypair(t)
	_, recPub := testKeypair(t)
	f := &directory.Friend{
		Username:          "bob",
		Devices:           []identity.Device{{DeviceUUID: "d", SigningPublicKey: pub.Bytes()}},
		RecoveryPublicKey: recPub.Bytes(),
	}
	deviceKeys, recoveryKey := FriendKeys(f)
	require.Equal(t, [][]byte{pub.Bytes()}, deviceKeys)
	require.Equal(t, recPub.Bytes(), recoveryKey)
}
