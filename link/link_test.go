// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package link

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

type fakeProvider struct {
	accounts int
}

func (p *fakeProvider) CreateAccount(ctx context.Context, username string, signingPublicKey []byte) (string, error) {
	p.accounts++
	return fmt.Sprintf("srv-%d", p.accounts), nil
}

type linkFixture struct {
	existingID  *identity.Identity
	existingDir *directory.Directory
	newID       *identity.Identity
	newDir      *directory.Directory
	approver    *Approver
}

func newLinkFixture(t *testing.T) *linkFixture {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	defer keys.Wipe()

	provider := new(fakeProvider)
	existingID, err := identity.NewIdentity("laptop", keys)
	require.NoError(t, err)
	require.NoError(t, existingID.Register(context.Background(), provider, "alice"))
	newID, err := identity.NewIdentity("phone", keys)
	require.NoError(t, err)
	require.NoError(t, newID.RetryDeviceAccount(context.Background(), provider))

	existingStore, err := storage.Open(filepath.Join(t.TempDir(), "existing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { existingStore.Close() })
	newStore, err := storage.Open(filepath.Join(t.TempDir(), "new.db"))
	require.NoError(t, err)
	t.Cleanup(func() { newStore.Close() })

	existingDir := directory.New(existingStore)
	require.NoError(t, existingDir.AddSelfDevice(existingID.AsDevice()))

	return &linkFixture{
		existingID:  existingID,
		existingDir: existingDir,
		newID:       newID,
		newDir:      directory.New(newStore),
		approver:    NewApprover(existingDir, existingStore),
	}
}

func TestLinkFlow(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)

	encoded, err := code.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, code.DeviceUUID, decoded.DeviceUUID)
	require.Equal(t, code.Challenge, decoded.Challenge)

	approval, err := fix.approver.Approve(decoded, fix.existingID, []byte("state"), DefaultMaxAge)
	require.NoError(t, err)
	require.Len(t, approval.Devices, 2)
	require.Equal(t, []byte("state"), approval.StateExport)

	// The approver's roster now contains the new device.
	devices, err := fix.existingDir.SelfDevices()
	require.NoError(t, err)
	require.True(t, identity.ContainsDevice(devices, fix.newID.DeviceUUID))

	// The new device adopts the full roster.
	require.NoError(t, Accept(fix.newDir, fix.newID, code, approval))
	devices, err = fix.newDir.SelfDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestLinkCodeSingleUse(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)

	_, err = fix.approver.Approve(code, fix.existingID, nil, DefaultMaxAge)
	require.NoError(t, err)

	_, err = fix.approver.Approve(code, fix.existingID, nil, DefaultMaxAge)
	require.Equal(t, ErrCodeUsed, err)
}

func TestLinkCodeExpiry(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)
	code.IssuedAt = time.Now().Add(-time.Hour).UnixMilli()

	require.Equal(t, ErrExpired, code.Validate(DefaultMaxAge))
	_, err = fix.approver.Approve(code, fix.existingID, nil, DefaultMaxAge)
	require.Equal(t, ErrExpired, err)
}

func TestGenerateRequiresRegistration(t *testing.T) {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	defer keys.Wipe()
	id, err := identity.NewIdentity("phone", keys)
	require.NoError(t, err)

	_, err = Generate(id)
	require.Equal(t, ErrUnregistered, err)
}

func TestApprovalSealedAgainstRelay(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)
	approval, err := fix.approver.Approve(code, fix.existingID, []byte("conversation history"), DefaultMaxAge)
	require.NoError(t, err)

	sealed, err := SealApproval(code.Challenge, approval)
	require.NoError(t, err)

	// The relay sees opaque bytes: the blob is not a CBOR approval and
	// the state export never appears in it.
	var leaked wire.LinkApproval
	require.Error(t, cbor.Unmarshal(sealed, &leaked))
	require.NotContains(t, string(sealed), "conversation history")

	// Without the out-of-band challenge the blob stays shut.
	_, err = OpenApproval(make([]byte, challengeSize), sealed)
	require.Equal(t, ErrBadApproval, err)
	_, err = OpenApproval(code.Challenge, sealed[:approvalNonceSize-1])
	require.Equal(t, ErrBadApproval, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = OpenApproval(code.Challenge, tampered)
	require.Equal(t, ErrBadApproval, err)

	opened, err := OpenApproval(code.Challenge, sealed)
	require.NoError(t, err)
	require.Equal(t, approval.StateExport, opened.StateExport)
	require.NoError(t, Accept(fix.newDir, fix.newID, code, opened))
}

func TestCodeNotBurnedBeforeApproval(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)

	// The pre-approval ledger consultation is read only; the code
	// stays redeemable however often it runs.
	require.NoError(t, fix.approver.checkUnused(code.Challenge))
	require.NoError(t, fix.approver.checkUnused(code.Challenge))

	_, err = fix.approver.Approve(code, fix.existingID, nil, DefaultMaxAge)
	require.NoError(t, err)
	require.Equal(t, ErrCodeUsed, fix.approver.checkUnused(code.Challenge))
}

func TestAcceptChallengeMismatch(t *testing.T) {
	fix := newLinkFixture(t)

	code, err := Generate(fix.newID)
	require.NoError(t, err)
	approval, err := fix.approver.Approve(code, fix.existingID, nil, DefaultMaxAge)
	require.NoError(t, err)

	other, err := Generate(fix.newID)
	require.NoError(t, err)
	require.Equal(t, ErrChallengeMismatch, Accept(fix.newDir, fix.newID, other, approval))
}
