// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package friend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
)

type peer struct {
	id      *identity.Identity
	dir     *directory.Directory
	manager *Manager
}

func newPeer(t *testing.T, username string) *peer {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	defer keys.Wipe()

	id, err := identity.NewIdentity(username+"-laptop", keys)
	require.NoError(t, err)
	id.Username = username

	store, err := storage.Open(filepath.Join(t.TempDir(), username+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := directory.New(store)
	require.NoError(t, dir.AddSelfDevice(id.AsDevice()))

	return &peer{id: id, dir: dir, manager: NewManager(dir, id)}
}

func TestFriendFlow(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	req, err := alice.manager.Request("bob", "hi bob")
	require.NoError(t, err)
	require.Equal(t, "alice", req.Username)
	require.Len(t, req.Devices, 1)

	_, err = alice.manager.Request("bob", "again")
	require.Equal(t, ErrAlreadyExists, err)

	require.NoError(t, bob.manager.HandleRequest(req))
	f, err := bob.dir.Friend("alice")
	require.NoError(t, err)
	require.Equal(t, directory.StatusPendingIncoming, f.Status)

	resp, err := bob.manager.Accept("alice")
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Len(t, resp.Devices, 1)

	require.NoError(t, alice.manager.HandleResponse(resp))
	f, err = alice.dir.Friend("bob")
	require.NoError(t, err)
	require.Equal(t, directory.StatusAccepted, f.Status)
	require.NotEmpty(t, f.Devices)
}

func TestRejectRemovesEntry(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	req, err := alice.manager.Request("bob", "")
	require.NoError(t, err)
	require.NoError(t, bob.manager.HandleRequest(req))

	resp, err := bob.manager.Reject("alice")
	require.NoError(t, err)
	require.False(t, resp.Accepted)

	_, err = bob.dir.Friend("alice")
	require.Equal(t, directory.ErrFriendNotFound, err)

	// The decline clears alice's pending entry too.
	require.NoError(t, alice.manager.HandleResponse(resp))
	_, err = alice.dir.Friend("bob")
	require.Equal(t, directory.ErrFriendNotFound, err)
}

func TestAcceptRequiresPending(t *testing.T) {
	bob := newPeer(t, "bob")
	_, err := bob.manager.Accept("nobody")
	require.Equal(t, directory.ErrFriendNotFound, err)
}

func TestVerificationCodesMatch(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	req, err := alice.manager.Request("bob", "")
	require.NoError(t, err)
	require.NoError(t, bob.manager.HandleRequest(req))
	resp, err := bob.manager.Accept("alice")
	require.NoError(t, err)
	require.NoError(t, alice.manager.HandleResponse(resp))

	aliceCode, err := alice.manager.VerificationCode("bob")
	require.NoError(t, err)
	bobCode, err := bob.manager.VerificationCode("alice")
	require.NoError(t, err)

	require.Len(t, aliceCode, 4)
	require.Equal(t, aliceCode, bobCode)
}
