// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/catmesh/catmesh/config"
	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/objectsync"
	"github.com/catmesh/catmesh/wire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][][]byte
	in   chan InboundMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(map[string][][]byte),
		in:   make(chan InboundMessage, 128),
	}
}

func (ft *fakeTransport) Send(deviceUUID string, blob []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent[deviceUUID] = append(ft.sent[deviceUUID], blob)
	return nil
}

func (ft *fakeTransport) SendToUser(username string, blob []byte) error {
	return ft.Send("user:"+username, blob)
}

func (ft *fakeTransport) Inbound() <-chan InboundMessage {
	return ft.in
}

type prefixCryptor struct{}

func (prefixCryptor) Encrypt(deviceUUID string, plaintext []byte) ([]byte, error) {
	return append([]byte("ct:"), plaintext...), nil
}

func (prefixCryptor) Decrypt(deviceUUID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 3 || string(ciphertext[:3]) != "ct:" {
		return nil, errors.New("bad ciphertext")
	}
	return ciphertext[3:], nil
}

func (prefixCryptor) HasSession(deviceUUID string) bool    { return true }
func (prefixCryptor) ResetSession(deviceUUID string) error { return nil }

type fakeAccountProvider struct {
	accounts int
}

func (p *fakeAccountProvider) CreateAccount(ctx context.Context, username string, signingPublicKey []byte) (string, error) {
	p.accounts++
	return fmt.Sprintf("srv-%d", p.accounts), nil
}

func testClient(t *testing.T) (*Client, *fakeTransport) {
	cfg := &config.Config{
		Logging: &config.Logging{Disable: true},
		Account: &config.Account{Username: "alice", DisplayName: "laptop"},
		Storage: &config.Storage{DataDir: t.TempDir()},
	}
	require.NoError(t, cfg.FixupAndValidate())

	reg := objectsync.NewRegistry()
	require.NoError(t, reg.Register(&objectsync.Model{
		Name:   "note",
		Fields: map[string]objectsync.FieldType{"body": objectsync.FieldString},
	}))

	ft := newFakeTransport()
	opts := &Options{
		Transport: ft,
		Cryptor:   prefixCryptor{},
		Provider:  new(fakeAccountProvider),
		Schemas:   reg,
	}
	c, phrase, err := CreateAccount(context.Background(), cfg, []byte("hunter2"), opts)
	require.NoError(t, err)
	require.NotEmpty(t, phrase)
	c.Start()
	t.Cleanup(c.Shutdown)
	return c, ft
}

// sealedEnvelope builds an inbound blob the fixture cryptor decrypts.
func sealedEnvelope(t *testing.T, typ wire.Type, v interface{}) []byte {
	raw, err := cbor.Marshal(v)
	require.NoError(t, err)
	env, err := wire.Encode(typ, raw)
	require.NoError(t, err)
	return append([]byte("ct:"), env...)
}

func TestSettingsAccessSerialized(t *testing.T) {
	c, ft := testClient(t)
	base := time.Now().UnixMilli()

	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < 40; i++ {
			if err := c.SetSetting("theme", fmt.Sprintf("v%d", i)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	for i := 0; i < 40; i++ {
		// Timestamps run well ahead of the local clock so none of
		// these lose the last-writer race against SetSetting.
		sync := &wire.SettingsSync{
			Settings:  map[string]string{"lang": "de"},
			Timestamp: base + int64(i+1)*1000,
		}
		ft.in <- InboundMessage{
			SourceDeviceUUID: c.id.DeviceUUID,
			Blob:             sealedEnvelope(t, wire.TypeSettingsSync, sync),
		}
	}
	require.NoError(t, <-errCh)

	// Interleaved local mutation and inbound sync must leave the map
	// readable through the same serialized path.
	require.Eventually(t, func() bool {
		v, err := c.Setting("lang")
		return err == nil && v == "de"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncTrafficRequiresOwnRoster(t *testing.T) {
	c, ft := testClient(t)

	// bob is an accepted friend holding a working pairwise session.
	require.NoError(t, c.dir.UpsertFriend(&directory.Friend{
		Username: "bob",
		Status:   directory.StatusAccepted,
		Devices:  []identity.Device{{DeviceUUID: "bob-dev", SigningPublicKey: make([]byte, 32)}},
	}))

	forged := &historyExport{
		Friends: []*directory.Friend{{
			Username: "victim",
			Status:   directory.StatusAccepted,
			Devices:  []identity.Device{{DeviceUUID: "planted-dev"}},
		}},
	}
	blob, err := cbor.Marshal(forged)
	require.NoError(t, err)

	ft.in <- InboundMessage{
		SourceDeviceUUID: "bob-dev",
		Blob:             sealedEnvelope(t, wire.TypeSyncBlob, &wire.SyncBlob{Blob: blob}),
	}

	// The inbound channel is consumed in order; once this own-device
	// settings marker lands, the forged blob has been handled.
	marker := &wire.SettingsSync{
		Settings:  map[string]string{"marker": "done"},
		Timestamp: time.Now().UnixMilli(),
	}
	ft.in <- InboundMessage{
		SourceDeviceUUID: c.id.DeviceUUID,
		Blob:             sealedEnvelope(t, wire.TypeSettingsSync, marker),
	}
	require.Eventually(t, func() bool {
		v, err := c.Setting("marker")
		return err == nil && v == "done"
	}, 5*time.Second, 10*time.Millisecond)

	// The friend-sourced blob must not have planted a directory entry.
	_, err = c.dir.Friend("victim")
	require.Equal(t, directory.ErrFriendNotFound, err)

	// The identical blob from our own roster is applied.
	ft.in <- InboundMessage{
		SourceDeviceUUID: c.id.DeviceUUID,
		Blob:             sealedEnvelope(t, wire.TypeSyncBlob, &wire.SyncBlob{Blob: blob}),
	}
	require.Eventually(t, func() bool {
		_, err := c.dir.Friend("victim")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
