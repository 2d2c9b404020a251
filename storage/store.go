// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the durable local store as collections of
// CBOR documents inside a single bbolt database. The device directory
// and the object-sync engine share this one contract: per-collection
// CRUD plus predicate/order/limit queries.
package storage

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a document id is absent.
	ErrNotFound = errors.New("storage: document not found")
)

// Document is a decoded store entry. Field values are whatever CBOR
// decoded them to; queries compare them structurally.
type Document map[string]interface{}

// Store is a collection-oriented wrapper around a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a document under id in the named collection.
func (s *Store) Put(collection, id string, doc Document) error {
	blob, err := cbor.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), blob)
	})
}

// Get fetches the document stored under id.
func (s *Store) Get(collection, id string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		blob := b.Get([]byte(id))
		if blob == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(blob, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes the document stored under id. Deleting an absent id is
// not an error.
func (s *Store) Delete(collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// List returns every document in the collection keyed by id.
func (s *Store) List(collection string) (map[string]Document, error) {
	out := make(map[string]Document)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Document
			if err := cbor.Unmarshal(v, &doc); err != nil {
				return err
			}
			out[string(k)] = doc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutObject stores a typed value as a CBOR blob under id. Typed
// entries are opaque to Query; collections hold either documents or
// typed values, never both.
func (s *Store) PutObject(collection, id string, v interface{}) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.PutRaw(collection, id, blob)
}

// GetObject decodes the typed entry stored under id into dest.
func (s *Store) GetObject(collection, id string, dest interface{}) error {
	blob, err := s.GetRaw(collection, id)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(blob, dest)
}

// Keys returns the ids present in a collection.
func (s *Store) Keys(collection string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutRaw stores an opaque blob under id, bypassing document encoding.
// Used for singleton state such as the serialized identity.
func (s *Store) PutRaw(collection, id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), blob)
	})
}

// GetRaw fetches a blob stored with PutRaw.
func (s *Store) GetRaw(collection, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		blob := b.Get([]byte(id))
		if blob == nil {
			return ErrNotFound
		}
		out = make([]byte, len(blob))
		copy(out, blob)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
