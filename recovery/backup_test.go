// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catmesh/catmesh/identity"
)

func TestExportRestoreRoundtrip(t *testing.T) {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	dhPublic := keys.DHPublic.Bytes()
	keys.Wipe()

	plaintext := []byte("the full conversation history")
	blob, err := Export(dhPublic, plaintext)
	require.NoError(t, err)
	require.NotContains(t, string(blob), string(plaintext))

	got, err := Restore(phrase, blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestRestoreWrongPhrase(t *testing.T) {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	dhPublic := keys.DHPublic.Bytes()
	keys.Wipe()

	blob, err := Export(dhPublic, []byte("secret"))
	require.NoError(t, err)

	other, err := identity.NewMnemonic()
	require.NoError(t, err)
	_, err = Restore(other, blob)
	require.ErrorIs(t, err, ErrWrongPhrase)
}

func TestRestoreMalformedBlob(t *testing.T) {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)

	_, err = Restore(phrase, []byte{blobVersion, 1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedBlob)

	_, err = Restore(phrase, make([]byte, headerSize+16))
	require.ErrorIs(t, err, ErrMalformedBlob)
}

func TestExportsAreUnlinkable(t *testing.T) {
	phrase, err := identity.NewMnemonic()
	require.NoError(t, err)
	keys, err := identity.DeriveRecoveryKeys(phrase)
	require.NoError(t, err)
	dhPublic := keys.DHPublic.Bytes()
	keys.Wipe()

	a, err := Export(dhPublic, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := Export(dhPublic, []byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	got, err := Restore(phrase, a)
	require.NoError(t, err)
	require.Equal(t, []byte("same plaintext"), got)
}
