// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/catmesh/catmesh/core/worker"
	"github.com/catmesh/catmesh/identity"
)

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 16
)

var (
	// ErrDecryptStateFailed is returned when the statefile cannot be
	// decrypted with the provided passphrase.
	ErrDecryptStateFailed = errors.New("client: failed to decrypt statefile")
)

// State is the durable snapshot written to the encrypted statefile.
// Directory entries and records live in the database; the statefile
// holds the secrets and settings that must never touch disk in the
// clear.
type State struct {
	Identity *identity.Identity `cbor:"identity"`
	Settings map[string]string  `cbor:"settings"`

	// SettingsAt is the write clock of Settings, used to order
	// settings sync between devices.
	SettingsAt int64 `cbor:"settings_at"`
}

// StateWriter writes encrypted snapshots to disk atomically.
type StateWriter struct {
	worker.Worker

	log *logging.Logger

	stateCh chan []byte
	path    string
	key     *[keySize]byte
	salt    []byte
}

func stretchKey(passphrase, salt []byte) *[keySize]byte {
	key := new([keySize]byte)
	raw := argon2.IDKey(passphrase, salt, 3, 32*1024, 4, keySize)
	copy(key[:], raw)
	memguard.WipeBytes(raw)
	return key
}

// NewStateWriter creates a StateWriter for a fresh statefile with a
// random salt.
func NewStateWriter(log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return &StateWriter{
		log:     log,
		stateCh: make(chan []byte),
		path:    stateFile,
		key:     stretchKey(passphrase, salt),
		salt:    salt,
	}, nil
}

// LoadStateWriter decrypts an existing statefile and returns the
// writer together with the decoded state.
func LoadStateWriter(log *logging.Logger, stateFile string, passphrase []byte) (*StateWriter, *State, error) {
	blob, err := os.ReadFile(stateFile)
	if err != nil {
		return nil, nil, err
	}
	if len(blob) < saltSize+nonceSize+secretbox.Overhead {
		return nil, nil, ErrDecryptStateFailed
	}
	salt := blob[:saltSize]
	key := stretchKey(passphrase, salt)
	var nonce [nonceSize]byte
	copy(nonce[:], blob[saltSize:saltSize+nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, nil, ErrDecryptStateFailed
	}
	defer memguard.WipeBytes(plaintext)
	state := new(State)
	if err := cbor.Unmarshal(plaintext, state); err != nil {
		return nil, nil, err
	}
	return &StateWriter{
		log:     log,
		stateCh: make(chan []byte),
		path:    stateFile,
		key:     key,
		salt:    append([]byte(nil), salt...),
	}, state, nil
}

// Start starts the StateWriter's worker.
func (w *StateWriter) Start() {
	w.Go(w.worker)
}

func (w *StateWriter) worker() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debug("statefile worker terminating gracefully")
			memguard.WipeBytes(w.key[:])
			return
		case raw := <-w.stateCh:
			if err := w.writeState(raw); err != nil {
				w.log.Errorf("failed to write statefile: %v", err)
			}
			memguard.WipeBytes(raw)
		}
	}
}

// Save submits a snapshot for encryption and write-out.
func (w *StateWriter) Save(state *State) error {
	raw, err := cbor.Marshal(state)
	if err != nil {
		return err
	}
	select {
	case <-w.HaltCh():
		return errors.New("client: statefile worker is halted")
	case w.stateCh <- raw:
		return nil
	}
}

func (w *StateWriter) writeState(plaintext []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	blob = append(blob, w.salt...)
	blob = append(blob, nonce[:]...)
	blob = secretbox.Seal(blob, plaintext, &nonce, w.key)

	// Write to a temporary and rename so a crash never leaves a
	// truncated statefile behind.
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("client: failed to open state directory: %w", err)
	}
	defer dir.Close()
	return dir.Sync()
}
