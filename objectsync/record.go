// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package objectsync

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/catmesh/catmesh/identity"
)

var (
	// ErrBadRecordSignature is returned when a record fails
	// verification against its author's known signing keys.
	ErrBadRecordSignature = errors.New("objectsync: record signature invalid")
)

var recordEncMode cbor.EncMode

func init() {
	var err error
	recordEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Record is the replicated unit. The signature covers the identity,
// timestamp, author, deletion flag, and a canonical encoding of the
// data so any device can verify provenance offline.
type Record struct {
	ID               string                 `cbor:"id"`
	Model            string                 `cbor:"model"`
	Timestamp        int64                  `cbor:"timestamp"`
	AuthorDeviceUUID string                 `cbor:"author_device_uuid"`
	Data             map[string]interface{} `cbor:"data"`
	Deleted          bool                   `cbor:"deleted"`
	Signature        []byte                 `cbor:"signature"`

	// FirstReadAt anchors the TTL of first-read ephemeral models. It
	// is local bookkeeping and not covered by the signature.
	FirstReadAt int64 `cbor:"first_read_at,omitempty"`

	// Kept marks a collectable record the user retained past its TTL.
	// Local bookkeeping, not covered by the signature.
	Kept bool `cbor:"kept,omitempty"`

	// Related holds eagerly loaded relation targets, keyed by relation
	// name. Never persisted or transmitted.
	Related map[string][]*Record `cbor:"-"`
}

// NewRecordID returns a fresh id of the form "<model>_<hex>". The
// model prefix makes ids self-describing in logs and foreign keys.
func NewRecordID(model string) string {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(err)
	}
	return model + "_" + hex.EncodeToString(b[:])
}

type signableRecord struct {
	_                struct{} `cbor:",toarray"`
	ID               string
	Model            string
	Timestamp        int64
	AuthorDeviceUUID string
	Deleted          bool
	Data             []byte
}

func (r *Record) signingBytes() ([]byte, error) {
	data, err := recordEncMode.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	return recordEncMode.Marshal(&signableRecord{
		ID:               r.ID,
		Model:            r.Model,
		Timestamp:        r.Timestamp,
		AuthorDeviceUUID: r.AuthorDeviceUUID,
		Deleted:          r.Deleted,
		Data:             data,
	})
}

// Sign stamps the record with the local device as author.
func (r *Record) Sign(id *identity.Identity) error {
	r.AuthorDeviceUUID = id.DeviceUUID
	msg, err := r.signingBytes()
	if err != nil {
		return err
	}
	r.Signature = id.Sign(msg)
	return nil
}

// Verify checks the record signature against a list of candidate
// signing keys for the author device.
func (r *Record) Verify(expectedKeys [][]byte) error {
	msg, err := r.signingBytes()
	if err != nil {
		return err
	}
	for _, raw := range expectedKeys {
		pk := new(ed25519.PublicKey)
		if err := pk.FromBytes(raw); err != nil {
			continue
		}
		if pk.Verify(r.Signature, msg) {
			return nil
		}
	}
	return ErrBadRecordSignature
}

// merge folds a remote record into the local one and reports whether
// the local copy changed. Last writer wins on the record body; on an
// equal timestamp a tombstone beats data and the larger author uuid
// breaks the remaining tie so every device converges to the same
// state. Grow-only set fields are unioned regardless of the winner.
func (local *Record) merge(remote *Record, setFields []string) bool {
	changed := false
	if remoteWins(local, remote) {
		union := unionSets(local, remote, setFields)
		local.Timestamp = remote.Timestamp
		local.AuthorDeviceUUID = remote.AuthorDeviceUUID
		local.Data = remote.Data
		local.Deleted = remote.Deleted
		local.Signature = remote.Signature
		for name, set := range union {
			if local.Data == nil {
				local.Data = make(map[string]interface{})
			}
			local.Data[name] = set
		}
		changed = true
	} else {
		for name, set := range unionSets(remote, local, setFields) {
			if !sameStringSet(asStringSet(local.Data[name]), set) {
				if local.Data == nil {
					local.Data = make(map[string]interface{})
				}
				local.Data[name] = set
				changed = true
			}
		}
	}
	return changed
}

func remoteWins(local, remote *Record) bool {
	if remote.Timestamp != local.Timestamp {
		return remote.Timestamp > local.Timestamp
	}
	if remote.Deleted != local.Deleted {
		return remote.Deleted
	}
	return remote.AuthorDeviceUUID > local.AuthorDeviceUUID
}

// unionSets returns, for each set field, the union of both records'
// elements whenever the union differs from loser's view alone.
func unionSets(loser, winner *Record, setFields []string) map[string][]string {
	out := make(map[string][]string)
	for _, name := range setFields {
		a := asStringSet(loser.Data[name])
		b := asStringSet(winner.Data[name])
		if len(a) == 0 {
			continue
		}
		seen := make(map[string]bool, len(a)+len(b))
		merged := make([]string, 0, len(a)+len(b))
		for _, e := range b {
			if !seen[e] {
				seen[e] = true
				merged = append(merged, e)
			}
		}
		for _, e := range a {
			if !seen[e] {
				seen[e] = true
				merged = append(merged, e)
			}
		}
		if len(merged) != len(b) {
			out[name] = merged
		}
	}
	return out
}

func asStringSet(v interface{}) []string {
	switch set := v.(type) {
	case []string:
		return set
	case []interface{}:
		out := make([]string, 0, len(set))
		for _, e := range set {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, e := range a {
		seen[e] = true
	}
	for _, e := range b {
		if !seen[e] {
			return false
		}
	}
	return true
}
