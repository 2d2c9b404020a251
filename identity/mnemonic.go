// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"crypto/hmac"
	"errors"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

const (
	// MnemonicEntropyBits is the entropy of a recovery phrase. 128 bits
	// plus the wordlist checksum yields the standard 12 words.
	MnemonicEntropyBits = 128

	recoveryKDFTime    = 3
	recoveryKDFMemory  = 32 * 1024
	recoveryKDFThreads = 4
)

var (
	// ErrInvalidMnemonic is returned for a phrase that fails wordlist or
	// checksum validation.
	ErrInvalidMnemonic = errors.New("identity: invalid recovery phrase")

	// ErrWrongMnemonic is returned when a valid phrase derives a key
	// other than the stored recovery key.
	ErrWrongMnemonic = errors.New("identity: recovery phrase does not match stored key")

	recoveryKDFSalt = []byte("catmesh-recovery-v1")
)

// RecoveryKeys is the keypair material deterministically derived from a
// recovery phrase. The signing half signs revocation broadcasts; the DH
// half is the key-agreement target for encrypted state backups.
type RecoveryKeys struct {
	SignPrivate *ed25519.PrivateKey
	SignPublic  *ed25519.PublicKey
	DHPrivate   *x25519.PrivateKey
	DHPublic    *x25519.PublicKey
}

// SignPublicBytes returns a detached copy of the raw recovery signing
// public key. hpqc keys hand out their internal storage from Bytes and
// Wipe zeroes that storage in place; the copy stays valid afterwards.
func (r *RecoveryKeys) SignPublicBytes() []byte {
	return append([]byte(nil), r.SignPublic.Bytes()...)
}

// DHPublicBytes returns a detached copy of the raw recovery DH public
// key.
func (r *RecoveryKeys) DHPublicBytes() []byte {
	return append([]byte(nil), r.DHPublic.Bytes()...)
}

// Wipe destroys the private halves. Callers must invoke it on every exit
// path once the keys have served their purpose. Wiping the signing key
// also zeroes the public key storage it embeds; anything holding the
// public key past this point must hold a copy.
func (r *RecoveryKeys) Wipe() {
	if r.SignPrivate != nil {
		r.SignPrivate.Reset()
		r.SignPrivate = nil
	}
	if r.DHPrivate != nil {
		memguard.WipeBytes(r.DHPrivate[:])
		r.DHPrivate = nil
	}
}

// NewMnemonic generates a fresh 12-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic checks the phrase against the wordlist and checksum.
func ValidateMnemonic(phrase string) bool {
	return bip39.IsMnemonicValid(phrase)
}

// DeriveRecoveryKeys deterministically derives the recovery keypairs
// from a phrase. The phrase entropy is stretched with argon2 into 64
// bytes; the first half seeds the signing key, the second half is the
// DH scalar.
func DeriveRecoveryKeys(phrase string) (*RecoveryKeys, error) {
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	seed := argon2.IDKey(entropy, recoveryKDFSalt, recoveryKDFTime, recoveryKDFMemory, recoveryKDFThreads, 64)
	defer memguard.WipeBytes(seed)

	signPub, signPriv := ed25519.NewKeyFromSeed(seed[:32])

	dhPriv := new(x25519.PrivateKey)
	if err := dhPriv.FromBytes(seed[32:]); err != nil {
		return nil, err
	}
	dhPub := dhPriv.Public().(*x25519.PublicKey)

	return &RecoveryKeys{
		SignPrivate: signPriv,
		SignPublic:  signPub,
		DHPrivate:   dhPriv,
		DHPublic:    dhPub,
	}, nil
}

// VerifyRecoveryPhrase compares the phrase-derived signing public key
// against the stored one in constant time. It must pass before any
// destructive action (revocation, restore-and-replace) is permitted.
func VerifyRecoveryPhrase(phrase string, storedSignPublic []byte) error {
	keys, err := DeriveRecoveryKeys(phrase)
	if err != nil {
		return err
	}
	defer keys.Wipe()
	if !hmac.Equal(keys.SignPublic.Bytes(), storedSignPublic) {
		return ErrWrongMnemonic
	}
	return nil
}
