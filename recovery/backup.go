// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package recovery encrypts account backups to the recovery keypair so
// they can be exported without the phrase and restored only with it.
package recovery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/hpqc/nike/x25519"
	"golang.org/x/crypto/hkdf"

	"github.com/catmesh/catmesh/identity"
)

const (
	blobVersion    = 1
	ephPubSize     = 32
	saltSize       = 32
	ivSize         = 12
	headerSize     = 1 + ephPubSize + saltSize + ivSize
	hkdfInfoBackup = "catmesh-backup-v1"
)

var (
	// ErrMalformedBlob is returned when a backup blob is truncated or
	// carries an unknown version byte.
	ErrMalformedBlob = errors.New("recovery: malformed backup blob")

	// ErrWrongPhrase is returned when the supplied phrase cannot
	// decrypt the backup.
	ErrWrongPhrase = errors.New("recovery: phrase does not match backup")
)

// backupKey derives the AES-256 key from an X25519 shared secret.
func backupKey(shared, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfoBackup))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func open(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

// Export encrypts plaintext to the stored recovery DH public key. Only
// the phrase holder can decrypt; the phrase itself is never needed to
// produce a backup, so devices can export on a schedule.
//
// Layout: version(1) || ephemeral pub(32) || salt(32) || iv(12) || ct.
func Export(recoveryDHPublic []byte, plaintext []byte) ([]byte, error) {
	pub := new(x25519.PublicKey)
	if err := pub.FromBytes(recoveryDHPublic); err != nil {
		return nil, err
	}
	ephPriv, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer ephPriv.Reset()
	ephPub := ephPriv.Public().(*x25519.PublicKey)

	shared := ephPriv.Exp(pub)
	defer memguard.WipeBytes(shared)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	key, err := backupKey(shared, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	ct, err := seal(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, headerSize+len(ct))
	blob = append(blob, blobVersion)
	blob = append(blob, ephPub.Bytes()...)
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, ct...)
	return blob, nil
}

// Restore decrypts a backup blob using the recovery phrase. The
// derived keys are wiped before returning on every path.
func Restore(phrase string, blob []byte) ([]byte, error) {
	if len(blob) < headerSize || blob[0] != blobVersion {
		return nil, ErrMalformedBlob
	}
	keys, err := identity.DeriveRecoveryKeys(phrase)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()

	ephPub := new(x25519.PublicKey)
	if err := ephPub.FromBytes(blob[1 : 1+ephPubSize]); err != nil {
		return nil, ErrMalformedBlob
	}
	salt := blob[1+ephPubSize : 1+ephPubSize+saltSize]
	iv := blob[1+ephPubSize+saltSize : headerSize]
	ct := blob[headerSize:]

	shared := keys.DHPrivate.Exp(ephPub)
	defer memguard.WipeBytes(shared)

	key, err := backupKey(shared, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	pt, err := open(key, iv, ct)
	if err != nil {
		return nil, ErrWrongPhrase
	}
	return pt, nil
}
