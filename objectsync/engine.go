// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package objectsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/dispatch"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

var (
	// ErrRecordNotFound is returned when no record has the given id.
	ErrRecordNotFound = errors.New("objectsync: record not found")

	// ErrAppendOnly is returned for an update or delete against a
	// grow-only model.
	ErrAppendOnly = errors.New("objectsync: model is append-only")

	// ErrNotCollectable is returned when Retain targets a model whose
	// records cannot be kept past their TTL.
	ErrNotCollectable = errors.New("objectsync: model is not collectable")
)

// collectionFor maps a model to its storage collection.
func collectionFor(model string) string {
	return "obj_" + model
}

// Engine stores, merges, and replicates records.
type Engine struct {
	reg   *Registry
	store *storage.Store
	disp  *dispatch.Dispatcher
	dir   *directory.Directory
	self  *identity.Identity
	log   *logging.Logger
}

// NewEngine creates an Engine.
func NewEngine(reg *Registry, store *storage.Store, disp *dispatch.Dispatcher, dir *directory.Directory, self *identity.Identity, log *logging.Logger) *Engine {
	return &Engine{reg: reg, store: store, disp: disp, dir: dir, self: self, log: log}
}

// Create builds, signs, persists, and replicates a new record.
func (e *Engine) Create(model string, data map[string]interface{}) (*Record, error) {
	m, err := e.reg.Lookup(model)
	if err != nil {
		return nil, err
	}
	if err := m.validate(data); err != nil {
		return nil, err
	}
	rec := &Record{
		ID:        NewRecordID(model),
		Model:     model,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	if err := rec.Sign(e.self); err != nil {
		return nil, err
	}
	if err := e.store.PutObject(collectionFor(model), rec.ID, rec); err != nil {
		return nil, err
	}
	if err := e.replicate(m, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert replaces a record's data, bumping the timestamp and re-signing
// with this device as author. Creates the record if the id is unknown.
func (e *Engine) Upsert(id, model string, data map[string]interface{}) (*Record, error) {
	m, err := e.reg.Lookup(model)
	if err != nil {
		return nil, err
	}
	if m.Discipline == GrowOnly {
		return nil, ErrAppendOnly
	}
	if err := m.validate(data); err != nil {
		return nil, err
	}
	rec := new(Record)
	err = e.store.GetObject(collectionFor(model), id, rec)
	if err == storage.ErrNotFound {
		rec = &Record{ID: id, Model: model}
	} else if err != nil {
		return nil, err
	}
	// Writes never shrink grow-only sets; fold the prior elements in.
	for _, name := range m.setFields() {
		prior := asStringSet(rec.Data[name])
		next := asStringSet(data[name])
		if len(prior) == 0 {
			continue
		}
		seen := make(map[string]bool, len(next))
		for _, el := range next {
			seen[el] = true
		}
		for _, el := range prior {
			if !seen[el] {
				next = append(next, el)
			}
		}
		data[name] = next
	}
	rec.Data = data
	rec.Deleted = false
	rec.Timestamp = time.Now().UnixMilli()
	if err := rec.Sign(e.self); err != nil {
		return nil, err
	}
	if err := e.store.PutObject(collectionFor(model), rec.ID, rec); err != nil {
		return nil, err
	}
	if err := e.replicate(m, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete tombstones a record. The tombstone replicates like any other
// write so every device converges on the deletion.
func (e *Engine) Delete(id, model string) error {
	m, err := e.reg.Lookup(model)
	if err != nil {
		return err
	}
	if m.Discipline == GrowOnly {
		return ErrAppendOnly
	}
	rec := new(Record)
	if err := e.store.GetObject(collectionFor(model), id, rec); err != nil {
		if err == storage.ErrNotFound {
			return ErrRecordNotFound
		}
		return err
	}
	rec.Data = nil
	rec.Deleted = true
	rec.Timestamp = time.Now().UnixMilli()
	if err := rec.Sign(e.self); err != nil {
		return err
	}
	if err := e.store.PutObject(collectionFor(model), rec.ID, rec); err != nil {
		return err
	}
	return e.replicate(m, rec)
}

// Get returns a live record by id.
func (e *Engine) Get(id, model string) (*Record, error) {
	rec := new(Record)
	err := e.store.GetObject(collectionFor(model), id, rec)
	if err == storage.ErrNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrRecordNotFound
	}
	m, err := e.reg.Lookup(model)
	if err != nil {
		return nil, err
	}
	live, err := e.applyTTL(m, rec)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// Merge folds a remote record into local state after verifying its
// author signature. Returns the merged record and whether local state
// changed; a stale remote write is a silent no-op.
func (e *Engine) Merge(remote *Record, expectedKeys [][]byte) (*Record, bool, error) {
	m, err := e.reg.Lookup(remote.Model)
	if err != nil {
		return nil, false, err
	}
	if err := remote.Verify(expectedKeys); err != nil {
		return nil, false, err
	}
	if remote.Deleted && m.Discipline == GrowOnly {
		return nil, false, ErrAppendOnly
	}
	if !remote.Deleted {
		if err := m.validate(remote.Data); err != nil {
			return nil, false, err
		}
	}
	local := new(Record)
	err = e.store.GetObject(collectionFor(remote.Model), remote.ID, local)
	if err == storage.ErrNotFound {
		stored := *remote
		stored.FirstReadAt = 0
		stored.Kept = false
		if err := e.store.PutObject(collectionFor(remote.Model), stored.ID, &stored); err != nil {
			return nil, false, err
		}
		return &stored, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	// Grow-only records are never replaced once known.
	if m.Discipline == GrowOnly {
		return local, false, nil
	}
	changed := local.merge(remote, m.setFields())
	if !changed {
		return local, false, nil
	}
	if err := e.store.PutObject(collectionFor(remote.Model), local.ID, local); err != nil {
		return nil, false, err
	}
	return local, true, nil
}

// Retain marks a collectable record as kept so TTL expiry never
// purges it. Keeping is a local preference; it does not replicate.
func (e *Engine) Retain(id, model string) error {
	m, err := e.reg.Lookup(model)
	if err != nil {
		return err
	}
	if !m.Collectable {
		return ErrNotCollectable
	}
	rec := new(Record)
	if err := e.store.GetObject(collectionFor(model), id, rec); err != nil {
		if err == storage.ErrNotFound {
			return ErrRecordNotFound
		}
		return err
	}
	if rec.Deleted {
		return ErrRecordNotFound
	}
	rec.Kept = true
	return e.store.PutObject(collectionFor(model), rec.ID, rec)
}

// EncodeRecord serializes a record for the wire.
func EncodeRecord(rec *Record) ([]byte, error) {
	send := *rec
	send.FirstReadAt = 0
	send.Kept = false
	return cbor.Marshal(&send)
}

// DecodeRecord parses a record off the wire.
func DecodeRecord(blob []byte) (*Record, error) {
	rec := new(Record)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Dump returns every stored record of every model, tombstones
// included, for a full state transfer to a newly linked device.
func (e *Engine) Dump() ([]*Record, error) {
	var out []*Record
	for _, model := range e.reg.Models() {
		keys, err := e.store.Keys(collectionFor(model))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rec := new(Record)
			if err := e.store.GetObject(collectionFor(model), key, rec); err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Import merges a batch of records that arrived inside an
// authenticated state transfer. The transfer channel vouches for the
// batch as a whole, so per-record signatures are not re-verified here.
func (e *Engine) Import(recs []*Record) error {
	for _, remote := range recs {
		m, err := e.reg.Lookup(remote.Model)
		if err != nil {
			e.log.Warningf("import: dropping record %s: %v", remote.ID, err)
			continue
		}
		local := new(Record)
		err = e.store.GetObject(collectionFor(remote.Model), remote.ID, local)
		if err == storage.ErrNotFound {
			if err := e.store.PutObject(collectionFor(remote.Model), remote.ID, remote); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if m.Discipline == GrowOnly {
			continue
		}
		if local.merge(remote, m.setFields()) {
			if err := e.store.PutObject(collectionFor(remote.Model), local.ID, local); err != nil {
				return err
			}
		}
	}
	return nil
}

// replicate fans a record out to its audience. Private models stay on
// our own devices; group models resolve membership at send time; shared
// models reach every accepted friend. Partial delivery is logged, not
// fatal, because offline devices catch up on the next sync.
func (e *Engine) replicate(m *Model, rec *Record) error {
	blob, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := e.disp.SendToOwnDevices(wire.TypeRecord, blob); err != nil {
		return err
	}
	switch m.Scope {
	case ScopePrivate:
		return nil
	case ScopeGroup:
		groupID, _ := rec.Data[m.GroupIDField].(string)
		if groupID == "" {
			return fmt.Errorf("objectsync: group record %s without %s", rec.ID, m.GroupIDField)
		}
		members, err := e.groupMembers(groupID)
		if err != nil {
			return err
		}
		for _, username := range members {
			if _, err := e.disp.SendToFriend(username, wire.TypeRecord, blob); err != nil {
				e.log.Warningf("record %s to group member %s: %v", rec.ID, username, err)
			}
		}
		return nil
	default:
		friends, err := e.dir.AcceptedFriends()
		if err != nil {
			return err
		}
		for _, f := range friends {
			if _, err := e.disp.SendToFriend(f.Username, wire.TypeRecord, blob); err != nil {
				e.log.Warningf("record %s to %s: %v", rec.ID, f.Username, err)
			}
		}
		return nil
	}
}

// groupMembers resolves the usernames in a group from the membership
// model's live records.
func (e *Engine) groupMembers(groupID string) ([]string, error) {
	if e.reg.MembershipModel == "" {
		return nil, fmt.Errorf("objectsync: no membership model registered")
	}
	recs, err := e.Query(e.reg.MembershipModel).
		Where("group_id", storage.Cond{Op: "eq", Value: groupID}).
		Exec()
	if err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(recs))
	for _, r := range recs {
		if u, ok := r.Data["username"].(string); ok && u != e.self.Username {
			usernames = append(usernames, u)
		}
	}
	return usernames, nil
}

// applyTTL enforces ephemeral expiry on one record. Expired records
// are purged from local storage; a first-read anchor is stamped the
// first time the record surfaces. Returns whether the record is live.
func (e *Engine) applyTTL(m *Model, rec *Record) (bool, error) {
	if !m.Ephemeral || rec.Kept {
		return true, nil
	}
	now := time.Now().UnixMilli()
	var anchor int64
	switch m.Anchor {
	case AnchorFirstRead:
		if rec.FirstReadAt == 0 {
			rec.FirstReadAt = now
			if err := e.store.PutObject(collectionFor(m.Name), rec.ID, rec); err != nil {
				return false, err
			}
			return true, nil
		}
		anchor = rec.FirstReadAt
	default:
		anchor = rec.Timestamp
	}
	if now-anchor < m.TTL.Milliseconds() {
		return true, nil
	}
	if err := e.store.Delete(collectionFor(m.Name), rec.ID); err != nil {
		return false, err
	}
	return false, nil
}
