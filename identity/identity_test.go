// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls    int
	failFrom int
}

func (p *fakeProvider) CreateAccount(_ context.Context, username string, _ []byte) (string, error) {
	p.calls++
	if p.failFrom > 0 && p.calls >= p.failFrom {
		return "", errors.New("account service unavailable")
	}
	return "uid-" + username, nil
}

func testIdentity(t *testing.T) *Identity {
	phrase, err := NewMnemonic()
	require.NoError(t, err)
	keys, err := DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	defer keys.Wipe()
	id, err := NewIdentity("laptop", keys)
	require.NoError(t, err)
	return id
}

func TestRegister(t *testing.T) {
	id := testIdentity(t)
	provider := &fakeProvider{}
	require.NoError(t, id.Register(context.Background(), provider, "alice"))
	require.Equal(t, "alice", id.Username)
	require.NotEmpty(t, id.ServerUserID)
	// Shell account plus device account.
	require.Equal(t, 2, provider.calls)
}

func TestRegisterPartialFailure(t *testing.T) {
	id := testIdentity(t)
	provider := &fakeProvider{failFrom: 2}
	err := id.Register(context.Background(), provider, "alice")
	require.Error(t, err)
	var partial *PartialRegistrationError
	require.True(t, errors.As(err, &partial))
	require.Equal(t, "alice", partial.Username)
	require.Empty(t, id.ServerUserID)

	// The name stays reserved; only the device account is retried.
	provider.failFrom = 0
	require.NoError(t, id.RetryDeviceAccount(context.Background(), provider))
	require.NotEmpty(t, id.ServerUserID)
}

func TestIdentityRoundTrip(t *testing.T) {
	id := testIdentity(t)
	blob, err := id.MarshalBinary()
	require.NoError(t, err)

	restored := new(Identity)
	require.NoError(t, restored.UnmarshalBinary(blob))
	require.Equal(t, id.DeviceUUID, restored.DeviceUUID)
	require.Equal(t, id.SigningPublicKey(), restored.SigningPublicKey())

	msg := []byte("hello")
	sig := restored.Sign(msg)
	pk := new(ed25519.PublicKey)
	require.NoError(t, pk.FromBytes(id.SigningPublicKey()))
	require.True(t, pk.Verify(sig, msg))
}

func TestSortDevices(t *testing.T) {
	devices := []Device{{DeviceUUID: "c"}, {DeviceUUID: "a"}, {DeviceUUID: "b"}}
	SortDevices(devices)
	require.Equal(t, "a", devices[0].DeviceUUID)
	require.Equal(t, "b", devices[1].DeviceUUID)
	require.Equal(t, "c", devices[2].DeviceUUID)
	require.True(t, ContainsDevice(devices, "b"))
	require.False(t, ContainsDevice(devices, "z"))
}
