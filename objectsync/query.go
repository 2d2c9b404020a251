// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package objectsync

import (
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/storage"
)

// Query enumerates the live records of one model. Tombstones are never
// returned and ephemeral expiry is enforced as records are visited.
type Query struct {
	engine   *Engine
	model    string
	conds    map[string]storage.Cond
	orderBy  string
	dir      storage.Direction
	limit    int
	includes []string
}

// Query starts a query over one model.
func (e *Engine) Query(model string) *Query {
	return &Query{
		engine: e,
		model:  model,
		conds:  make(map[string]storage.Cond),
		dir:    storage.Asc,
		limit:  -1,
	}
}

// Where adds a condition on a data field.
func (q *Query) Where(field string, cond storage.Cond) *Query {
	q.conds[field] = cond
	return q
}

// WhereEq is shorthand for an equality condition.
func (q *Query) WhereEq(field string, value interface{}) *Query {
	return q.Where(field, storage.Cond{Op: "eq", Value: value})
}

// OrderBy sorts results by a data field, or by "timestamp" for the
// record clock.
func (q *Query) OrderBy(field string, dir storage.Direction) *Query {
	q.orderBy = field
	q.dir = dir
	return q
}

// Limit caps the result count.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Include eagerly loads a named relation onto each result record.
func (q *Query) Include(relation string) *Query {
	q.includes = append(q.includes, relation)
	return q
}

// Exec runs the query.
func (q *Query) Exec() ([]*Record, error) {
	m, err := q.engine.reg.Lookup(q.model)
	if err != nil {
		return nil, err
	}
	keys, err := q.engine.store.Keys(collectionFor(q.model))
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, key := range keys {
		rec := new(Record)
		if err := q.engine.store.GetObject(collectionFor(q.model), key, rec); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		if rec.Deleted {
			continue
		}
		live, err := q.engine.applyTTL(m, rec)
		if err != nil {
			return nil, err
		}
		if !live {
			continue
		}
		if !q.matches(rec) {
			continue
		}
		out = append(out, rec)
	}
	if q.orderBy != "" {
		field, dir := q.orderBy, q.dir
		sort.SliceStable(out, func(i, j int) bool {
			vi := fieldValue(out[i], field)
			vj := fieldValue(out[j], field)
			// Equal keys must compare false in both directions or
			// stability among them is lost.
			if dir == storage.Desc {
				return fieldLess(vj, vi)
			}
			return fieldLess(vi, vj)
		})
	}
	if q.limit >= 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	for _, rel := range q.includes {
		if err := q.engine.loadRelation(m, out, rel); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// First returns the first match, or ErrRecordNotFound.
func (q *Query) First() (*Record, error) {
	recs, err := q.Limit(1).Exec()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return recs[0], nil
}

// Count returns the number of matches.
func (q *Query) Count() (int, error) {
	recs, err := q.Exec()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (q *Query) matches(rec *Record) bool {
	for field, cond := range q.conds {
		if !condMatches(fieldValue(rec, field), cond) {
			return false
		}
	}
	return true
}

func fieldValue(rec *Record, field string) interface{} {
	switch field {
	case "id":
		return rec.ID
	case "timestamp":
		return rec.Timestamp
	case "author_device_uuid":
		return rec.AuthorDeviceUUID
	}
	return rec.Data[field]
}

func condMatches(v interface{}, cond storage.Cond) bool {
	switch cond.Op {
	case "eq", "":
		return fieldEqual(v, cond.Value)
	case "gt":
		return fieldLess(cond.Value, v) && !fieldEqual(v, cond.Value)
	case "gte":
		return !fieldLess(v, cond.Value)
	case "lt":
		return fieldLess(v, cond.Value)
	case "lte":
		return fieldLess(v, cond.Value) || fieldEqual(v, cond.Value)
	case "in":
		for _, candidate := range asStringSet(cond.Value) {
			if fieldEqual(v, candidate) {
				return true
			}
		}
		return false
	case "contains":
		switch hay := v.(type) {
		case string:
			needle, ok := cond.Value.(string)
			return ok && strings.Contains(hay, needle)
		default:
			for _, el := range asStringSet(v) {
				if fieldEqual(el, cond.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func fieldEqual(a, b interface{}) bool {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok || bok {
		return aok && bok && as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok || bok {
		return aok && bok && ab == bb
	}
	return a == nil && b == nil
}

func fieldLess(a, b interface{}) bool {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return af < bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as < bs
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// LoadRelated resolves a declared relation for records fetched earlier,
// attaching the targets under the relation name on each record.
func (e *Engine) LoadRelated(model string, recs []*Record, relation string) error {
	m, err := e.reg.Lookup(model)
	if err != nil {
		return err
	}
	return e.loadRelation(m, recs, relation)
}

// loadRelation resolves one declared relation for a batch of records.
// Targets are fetched once per distinct key, not once per record.
func (e *Engine) loadRelation(m *Model, recs []*Record, name string) error {
	var rel *Relation
	for i := range m.Relations {
		if m.Relations[i].Name == name {
			rel = &m.Relations[i]
			break
		}
	}
	if rel == nil {
		return ErrUnknownModel
	}
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if rec.Related == nil {
			rec.Related = make(map[string][]*Record)
		}
	}
	switch rel.Kind {
	case BelongsTo:
		targets := make(map[string]*Record)
		for _, rec := range recs {
			fk, _ := rec.Data[rel.ForeignKey].(string)
			if fk == "" {
				continue
			}
			if _, seen := targets[fk]; seen {
				continue
			}
			target, err := e.Get(fk, rel.Model)
			if err == ErrRecordNotFound {
				targets[fk] = nil
				continue
			}
			if err != nil {
				return err
			}
			targets[fk] = target
		}
		for _, rec := range recs {
			fk, _ := rec.Data[rel.ForeignKey].(string)
			if target := targets[fk]; target != nil {
				rec.Related[name] = []*Record{target}
			}
		}
	case HasMany:
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		children, err := e.Query(rel.Model).
			Where(rel.ForeignKey, storage.Cond{Op: "in", Value: ids}).
			Exec()
		if err != nil {
			return err
		}
		byParent := make(map[string][]*Record)
		for _, child := range children {
			fk, _ := child.Data[rel.ForeignKey].(string)
			byParent[fk] = append(byParent[fk], child)
		}
		for _, rec := range recs {
			rec.Related[name] = byParent[rec.ID]
		}
	}
	return nil
}

// LoadInto decodes a record's data into a typed struct via its cbor
// field tags.
func LoadInto(rec *Record, dest interface{}) error {
	raw, err := cbor.Marshal(rec.Data)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, dest)
}
