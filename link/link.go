// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package link implements admitting a new device into an identity via a
// short-lived, single-use challenge code.
package link

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

const (
	// DefaultMaxAge is how long a link code stays valid.
	DefaultMaxAge = 5 * time.Minute

	challengeSize = 32

	approvalKeySize   = 32
	approvalNonceSize = 24

	usedCollection = "link_used_challenges"
)

var (
	// ErrExpired is returned for a link code older than maxAge.
	ErrExpired = errors.New("link: code expired")

	// ErrIncomplete is returned for a structurally incomplete code.
	ErrIncomplete = errors.New("link: code missing required fields")

	// ErrCodeUsed is returned on a second approval attempt for the same
	// challenge. Link codes are strictly single use.
	ErrCodeUsed = errors.New("link: code already used")

	// ErrChallengeMismatch is returned when the approval does not echo
	// the challenge byte for byte.
	ErrChallengeMismatch = errors.New("link: challenge response mismatch")

	// ErrUnregistered is returned when the device generating a link
	// code has no server account to put in it.
	ErrUnregistered = errors.New("link: device is not registered")

	// ErrBadApproval is returned when a sealed approval cannot be
	// opened with the held challenge.
	ErrBadApproval = errors.New("link: cannot open approval")

	errMalformed = errors.New("link: malformed code")

	approvalKeyInfo = []byte("catmesh-link-approval-v1")
)

// Code identifies a new, not yet linked device to the admitting device.
type Code struct {
	ServerUserID     string
	DeviceUUID       string
	SigningPublicKey []byte
	Challenge        []byte
	IssuedAt         int64
}

// Generate produces a link code for this (unlinked) device. The device
// must already hold its server account; the code carries the server
// user id so the approver can address it.
func Generate(id *identity.Identity) (*Code, error) {
	if id.ServerUserID == "" {
		return nil, ErrUnregistered
	}
	challenge := make([]byte, challengeSize)
	if _, err := rand.Reader.Read(challenge); err != nil {
		return nil, err
	}
	return &Code{
		ServerUserID:     id.ServerUserID,
		DeviceUUID:       id.DeviceUUID,
		SigningPublicKey: id.SigningPublicKey(),
		Challenge:        challenge,
		IssuedAt:         time.Now().UnixMilli(),
	}, nil
}

// Encode renders the code for out-of-band transfer.
func (c *Code) Encode() (string, error) {
	blob, err := cbor.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// Decode parses an encoded link code.
func Decode(encoded string) (*Code, error) {
	blob, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errMalformed
	}
	c := new(Code)
	if err := cbor.Unmarshal(blob, c); err != nil {
		return nil, errMalformed
	}
	return c, nil
}

// Validate rejects expired or structurally incomplete codes.
func (c *Code) Validate(maxAge time.Duration) error {
	if c.ServerUserID == "" || c.DeviceUUID == "" ||
		len(c.SigningPublicKey) == 0 || len(c.Challenge) == 0 {
		return ErrIncomplete
	}
	issued := time.UnixMilli(c.IssuedAt)
	if time.Since(issued) > maxAge {
		return ErrExpired
	}
	return nil
}

// Approver runs the admitting side of the protocol. The used-challenge
// ledger is persisted so a replayed code fails across restarts.
type Approver struct {
	dir   *directory.Directory
	store *storage.Store
}

// NewApprover creates an Approver over the given directory and store.
func NewApprover(dir *directory.Directory, store *storage.Store) *Approver {
	return &Approver{dir: dir, store: store}
}

// checkUnused consults the used-challenge ledger without writing to
// it.
func (a *Approver) checkUnused(challenge []byte) error {
	_, err := a.store.GetRaw(usedCollection, hex.EncodeToString(challenge))
	if err == nil {
		return ErrCodeUsed
	}
	if err != storage.ErrNotFound {
		return err
	}
	return nil
}

func (a *Approver) markUsed(challenge []byte) error {
	return a.store.PutRaw(usedCollection, hex.EncodeToString(challenge), []byte{1})
}

// Approve admits the device described by code. The new device is added
// to the self roster before the approval is built: the transmitted
// roster must already include it, or the new device cannot reconcile
// the approval against a consistent roster. The challenge is burned
// only once the approval is fully built, so a transient storage
// failure leaves the code redeemable for a retry.
func (a *Approver) Approve(code *Code, self *identity.Identity, stateExport []byte, maxAge time.Duration) (*wire.LinkApproval, error) {
	if err := code.Validate(maxAge); err != nil {
		return nil, err
	}
	if err := a.checkUnused(code.Challenge); err != nil {
		return nil, err
	}
	newDevice := identity.Device{
		DeviceUUID:       code.DeviceUUID,
		ServerUserID:     code.ServerUserID,
		SigningPublicKey: code.SigningPublicKey,
		AddedAt:          time.Now(),
	}
	if err := a.dir.AddSelfDevice(newDevice); err != nil && err != directory.ErrDuplicateDevice {
		return nil, err
	}
	devices, err := a.dir.SelfDevices()
	if err != nil {
		return nil, err
	}
	if err := a.markUsed(code.Challenge); err != nil {
		return nil, err
	}
	return &wire.LinkApproval{
		ChallengeResponse:  code.Challenge,
		Devices:            devices,
		RecoverySignPublic: self.RecoverySignPublic,
		RecoveryDHPublic:   self.RecoveryDHPublic,
		StateExport:        stateExport,
	}, nil
}

// approvalKey stretches the out-of-band challenge into the key sealing
// the approval. The challenge is exchanged directly between the two
// devices and never crosses the relay, so the relay cannot derive the
// key.
func approvalKey(challenge []byte) (*[approvalKeySize]byte, error) {
	key := new([approvalKeySize]byte)
	r := hkdf.New(sha256.New, challenge, nil, approvalKeyInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, err
	}
	return key, nil
}

// SealApproval encrypts an approval under the link code's challenge.
// The approval carries the full roster, the recovery public keys and
// the state export; it must never cross the relay in the clear.
func SealApproval(challenge []byte, approval *wire.LinkApproval) ([]byte, error) {
	key, err := approvalKey(challenge)
	if err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(approval)
	if err != nil {
		return nil, err
	}
	nonce := new([approvalNonceSize]byte)
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], raw, nonce, key), nil
}

// OpenApproval decrypts a sealed approval with the challenge from the
// locally held link code.
func OpenApproval(challenge []byte, blob []byte) (*wire.LinkApproval, error) {
	if len(blob) < approvalNonceSize {
		return nil, ErrBadApproval
	}
	key, err := approvalKey(challenge)
	if err != nil {
		return nil, err
	}
	nonce := new([approvalNonceSize]byte)
	copy(nonce[:], blob[:approvalNonceSize])
	raw, ok := secretbox.Open(nil, blob[approvalNonceSize:], nonce, key)
	if !ok {
		return nil, ErrBadApproval
	}
	approval := new(wire.LinkApproval)
	if err := cbor.Unmarshal(raw, approval); err != nil {
		return nil, ErrBadApproval
	}
	return approval, nil
}

// Accept is run by the new device when the approval arrives. It checks
// the challenge echo by byte equality, adopts the received roster as
// its own directory and the received recovery public keys as its own.
func Accept(dir *directory.Directory, id *identity.Identity, code *Code, approval *wire.LinkApproval) error {
	if !bytes.Equal(approval.ChallengeResponse, code.Challenge) {
		return ErrChallengeMismatch
	}
	if err := dir.ReplaceSelfDevices(approval.Devices, time.Now().UnixMilli()); err != nil {
		return err
	}
	id.RecoverySignPublic = approval.RecoverySignPublic
	id.RecoveryDHPublic = approval.RecoveryDHPublic
	return nil
}
