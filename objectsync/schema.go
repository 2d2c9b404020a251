// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package objectsync replicates typed records across devices with
// last-writer-wins merge semantics and grow-only set fields.
package objectsync

import (
	"errors"
	"fmt"
	"time"
)

// FieldType constrains the values a schema field accepts.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldBytes  FieldType = "bytes"
	FieldTime   FieldType = "time"
	// FieldSet is a grow-only set of strings. Set fields merge by
	// union; elements are never removed by a merge.
	FieldSet FieldType = "set"
	// FieldRef holds the id of a record in another model.
	FieldRef FieldType = "ref"
)

// Scope controls the fan-out audience for records of a model.
type Scope string

const (
	// ScopePrivate records replicate to the author's own devices only.
	ScopePrivate Scope = "private"
	// ScopeShared records replicate to own devices and every accepted
	// friend.
	ScopeShared Scope = "shared"
	// ScopeGroup records replicate to own devices and the members of
	// the group referenced by the model's GroupIDField, resolved at
	// send time.
	ScopeGroup Scope = "group"
)

// Discipline selects the per-model merge rule.
type Discipline string

const (
	// LWW replaces older writes by timestamp; deletions are
	// tombstones.
	LWW Discipline = "lww"
	// GrowOnly models are append-only: records are only ever added,
	// never replaced and never removed.
	GrowOnly Discipline = "grow_only"
)

// TTLAnchor selects what the expiry countdown of an ephemeral model is
// measured from.
type TTLAnchor string

const (
	// AnchorCreation expires the record TTL after its timestamp.
	AnchorCreation TTLAnchor = "creation"
	// AnchorFirstRead starts the countdown when the record is first
	// returned by a local query.
	AnchorFirstRead TTLAnchor = "first_read"
)

// RelationKind distinguishes the two relation directions.
type RelationKind string

const (
	BelongsTo RelationKind = "belongs_to"
	HasMany   RelationKind = "has_many"
)

// Relation declares a typed link between two models. For BelongsTo the
// ForeignKey field lives on this model; for HasMany it lives on the
// target model and references our record id.
type Relation struct {
	Name       string
	Kind       RelationKind
	Model      string
	ForeignKey string
}

// Model is the schema for one record type.
type Model struct {
	Name       string
	Fields     map[string]FieldType
	Scope      Scope
	Discipline Discipline

	// GroupIDField names the FieldRef pointing at the group record;
	// required when Scope is ScopeGroup.
	GroupIDField string

	// Ephemeral records are purged lazily once the TTL elapses.
	Ephemeral bool
	TTL       time.Duration
	Anchor    TTLAnchor

	// Collectable records can be explicitly retained by the user past
	// their TTL.
	Collectable bool

	Relations []Relation
}

var (
	// ErrUnknownModel is returned when a record names a model the
	// registry has never seen.
	ErrUnknownModel = errors.New("objectsync: unknown model")

	// ErrSchemaViolation is returned when data does not fit the model.
	ErrSchemaViolation = errors.New("objectsync: schema violation")
)

// Registry holds the schema table. Models register once at startup;
// the registry is read-only afterwards.
type Registry struct {
	models map[string]*Model

	// MembershipModel names the model whose records define group
	// membership: it must carry a "group_id" ref and a "username"
	// string field.
	MembershipModel string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds a model. Scope defaults to shared, the merge
// discipline to last-writer-wins, the TTL anchor to creation time.
func (r *Registry) Register(m *Model) error {
	if m.Name == "" {
		return fmt.Errorf("%w: model without a name", ErrSchemaViolation)
	}
	if _, ok := r.models[m.Name]; ok {
		return fmt.Errorf("%w: model %q registered twice", ErrSchemaViolation, m.Name)
	}
	if m.Scope == "" {
		m.Scope = ScopeShared
	}
	if m.Discipline == "" {
		m.Discipline = LWW
	}
	if m.Scope == ScopeGroup && m.GroupIDField == "" {
		return fmt.Errorf("%w: group model %q without a group id field", ErrSchemaViolation, m.Name)
	}
	if m.Ephemeral {
		if m.TTL <= 0 {
			return fmt.Errorf("%w: ephemeral model %q without a ttl", ErrSchemaViolation, m.Name)
		}
		if m.Anchor == "" {
			m.Anchor = AnchorCreation
		}
	}
	r.models[m.Name] = m
	return nil
}

// Lookup returns the model by name.
func (r *Registry) Lookup(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Models returns the registered model names.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}

// setFields returns the names of the model's grow-only set fields.
func (m *Model) setFields() []string {
	var out []string
	for name, t := range m.Fields {
		if t == FieldSet {
			out = append(out, name)
		}
	}
	return out
}

// validate checks data against the model's field table. Unknown fields
// are rejected; missing fields are allowed because merges may carry
// partial knowledge.
func (m *Model) validate(data map[string]interface{}) error {
	for name, v := range data {
		t, ok := m.Fields[name]
		if !ok {
			return fmt.Errorf("%w: model %q has no field %q", ErrSchemaViolation, m.Name, name)
		}
		if v == nil {
			continue
		}
		if !fieldAccepts(t, v) {
			return fmt.Errorf("%w: field %s.%s rejects %T", ErrSchemaViolation, m.Name, name, v)
		}
	}
	return nil
}

func fieldAccepts(t FieldType, v interface{}) bool {
	switch t {
	case FieldString, FieldRef:
		_, ok := v.(string)
		return ok
	case FieldInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case FieldFloat:
		switch v.(type) {
		case float32, float64:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldBytes:
		_, ok := v.([]byte)
		return ok
	case FieldTime:
		switch v.(type) {
		case time.Time, int64:
			return true
		}
		return false
	case FieldSet:
		switch set := v.(type) {
		case []string:
			return true
		case []interface{}:
			for _, e := range set {
				if _, ok := e.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}
