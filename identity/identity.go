// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// AccountProvider is the account-creation collaborator. The server side
// of it is a dumb name registry; nothing here trusts it.
type AccountProvider interface {
	// CreateAccount reserves username and binds the given signing public
	// key, returning the server-assigned user id.
	CreateAccount(ctx context.Context, username string, signingPublicKey []byte) (string, error)
}

// PartialRegistrationError reports the shell-reserved-but-device-failed
// state: the namespace is claimed but unusable. Callers retry the device
// account creation with RetryDeviceAccount rather than re-claiming the
// name.
type PartialRegistrationError struct {
	Username string
	Err      error
}

func (e *PartialRegistrationError) Error() string {
	return fmt.Sprintf("identity: name %q reserved but device account creation failed: %v", e.Username, e.Err)
}

func (e *PartialRegistrationError) Unwrap() error {
	return e.Err
}

type serializedIdentity struct {
	DeviceUUID        string
	ServerUserID      string
	Username          string
	DisplayName       string
	SigningPrivateKey []byte
	RecoverySignPub   []byte
	RecoveryDHPub     []byte
	CreatedAt         time.Time
}

// Identity is this device's signing identity plus the public half of the
// recovery key material. The recovery private keys are never stored;
// they are re-derived from the phrase when needed.
type Identity struct {
	DeviceUUID   string
	ServerUserID string
	Username     string
	DisplayName  string

	signingPrivate *ed25519.PrivateKey
	signingPublic  *ed25519.PublicKey

	RecoverySignPublic []byte
	RecoveryDHPublic   []byte

	CreatedAt time.Time
}

// NewIdentity generates a device UUID and signing keypair for a not yet
// registered device, bound to the recovery keys derived from phrase.
func NewIdentity(displayName string, recovery *RecoveryKeys) (*Identity, error) {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		DeviceUUID:         uuid.New().String(),
		DisplayName:        displayName,
		signingPrivate:     priv,
		signingPublic:      pub,
		RecoverySignPublic: recovery.SignPublicBytes(),
		RecoveryDHPublic:   recovery.DHPublicBytes(),
		CreatedAt:          time.Now(),
	}, nil
}

// SigningPublicKey returns the raw device signing public key.
func (i *Identity) SigningPublicKey() []byte {
	return i.signingPublic.Bytes()
}

// Sign signs message with the device signing key.
func (i *Identity) Sign(message []byte) []byte {
	return i.signingPrivate.SignMessage(message)
}

// AsDevice returns the Device record describing this identity.
func (i *Identity) AsDevice() Device {
	return Device{
		DeviceUUID:       i.DeviceUUID,
		ServerUserID:     i.ServerUserID,
		DisplayName:      i.DisplayName,
		SigningPublicKey: i.SigningPublicKey(),
		AddedAt:          i.CreatedAt,
	}
}

// Register performs first-device registration: a shell account reserving
// username with placeholder keys, then the device account the identity
// actually uses. A failure after the shell account succeeds returns
// *PartialRegistrationError so the caller can retry without re-claiming
// the name.
func (i *Identity) Register(ctx context.Context, provider AccountProvider, username string) error {
	// The shell account never transmits messaging keys; the placeholder
	// keypair is generated and immediately discarded.
	_, placeholder, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return err
	}
	if _, err := provider.CreateAccount(ctx, username, placeholder.Bytes()); err != nil {
		return fmt.Errorf("identity: shell account creation failed: %w", err)
	}
	i.Username = username
	return i.RetryDeviceAccount(ctx, provider)
}

// RetryDeviceAccount creates (or re-creates) the device account after a
// partial registration failure. The device account name is random so it
// cannot be linked to the shell name.
func (i *Identity) RetryDeviceAccount(ctx context.Context, provider AccountProvider) error {
	deviceAccountName := uuid.New().String()
	serverUserID, err := provider.CreateAccount(ctx, deviceAccountName, i.SigningPublicKey())
	if err != nil {
		return &PartialRegistrationError{Username: i.Username, Err: err}
	}
	i.ServerUserID = serverUserID
	return nil
}

// MarshalBinary serializes the identity, private key included. The
// caller is responsible for encrypting the result at rest.
func (i *Identity) MarshalBinary() ([]byte, error) {
	s := &serializedIdentity{
		DeviceUUID:        i.DeviceUUID,
		ServerUserID:      i.ServerUserID,
		Username:          i.Username,
		DisplayName:       i.DisplayName,
		SigningPrivateKey: i.signingPrivate.Bytes(),
		RecoverySignPub:   i.RecoverySignPublic,
		RecoveryDHPub:     i.RecoveryDHPublic,
		CreatedAt:         i.CreatedAt,
	}
	return cbor.Marshal(s)
}

// UnmarshalBinary initializes the identity from MarshalBinary output.
func (i *Identity) UnmarshalBinary(data []byte) error {
	s := new(serializedIdentity)
	if err := cbor.Unmarshal(data, s); err != nil {
		return err
	}
	priv := ed25519.NewEmptyPrivateKey()
	if err := priv.FromBytes(s.SigningPrivateKey); err != nil {
		return err
	}
	i.DeviceUUID = s.DeviceUUID
	i.ServerUserID = s.ServerUserID
	i.Username = s.Username
	i.DisplayName = s.DisplayName
	i.signingPrivate = priv
	i.signingPublic = priv.PublicKey()
	i.RecoverySignPublic = s.RecoverySignPub
	i.RecoveryDHPublic = s.RecoveryDHPub
	i.CreatedAt = s.CreatedAt
	return nil
}
