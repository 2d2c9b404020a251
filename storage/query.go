// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"time"
)

// Direction selects query result ordering.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Cond is a non-equality predicate on a single field.
type Cond struct {
	Op    string // gt, gte, lt, lte, in, contains
	Value interface{}
}

var errBadOperator = errors.New("storage: unknown query operator")

// Query is a predicate/order/limit query over one collection. Values in
// the where map are matched for equality unless wrapped in a Cond.
type Query struct {
	store      *Store
	collection string
	where      map[string]interface{}
	orderField string
	orderDir   Direction
	limit      int
}

// Query starts a query against the named collection.
func (s *Store) Query(collection string) *Query {
	return &Query{store: s, collection: collection, limit: -1}
}

// Where adds predicates; calling it twice merges the maps.
func (q *Query) Where(preds map[string]interface{}) *Query {
	if q.where == nil {
		q.where = make(map[string]interface{})
	}
	for k, v := range preds {
		q.where[k] = v
	}
	return q
}

// OrderBy sorts results by the given field.
func (q *Query) OrderBy(field string, dir Direction) *Query {
	q.orderField = field
	q.orderDir = dir
	return q
}

// Limit caps the number of returned documents.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Exec returns all matching documents.
func (q *Query) Exec() ([]Document, error) {
	all, err := q.store.List(q.collection)
	if err != nil {
		return nil, err
	}
	matched := make([]Document, 0, len(all))
	for _, doc := range all {
		ok, err := q.matches(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	if q.orderField != "" {
		field := q.orderField
		sort.SliceStable(matched, func(i, j int) bool {
			c, ok := compareValues(matched[i][field], matched[j][field])
			if !ok {
				return false
			}
			if q.orderDir == Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.limit >= 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}
	return matched, nil
}

// First returns the first match or ErrNotFound.
func (q *Query) First() (Document, error) {
	saved := q.limit
	q.limit = 1
	docs, err := q.Exec()
	q.limit = saved
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Count returns the number of matches.
func (q *Query) Count() (int, error) {
	saved := q.limit
	q.limit = -1
	docs, err := q.Exec()
	q.limit = saved
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (q *Query) matches(doc Document) (bool, error) {
	for field, pred := range q.where {
		val := doc[field]
		cond, isCond := pred.(Cond)
		if !isCond {
			c, ok := compareValues(val, pred)
			if !ok || c != 0 {
				return false, nil
			}
			continue
		}
		switch cond.Op {
		case "gt", "gte", "lt", "lte":
			c, ok := compareValues(val, cond.Value)
			if !ok {
				return false, nil
			}
			switch cond.Op {
			case "gt":
				if c <= 0 {
					return false, nil
				}
			case "gte":
				if c < 0 {
					return false, nil
				}
			case "lt":
				if c >= 0 {
					return false, nil
				}
			case "lte":
				if c > 0 {
					return false, nil
				}
			}
		case "in":
			set, ok := cond.Value.([]interface{})
			if !ok {
				return false, nil
			}
			found := false
			for _, member := range set {
				if c, ok := compareValues(val, member); ok && c == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case "contains":
			if !containsValue(val, cond.Value) {
				return false, nil
			}
		default:
			return false, errBadOperator
		}
	}
	return true, nil
}

// compareValues compares two decoded CBOR values. Numeric types are
// normalized to float64 first; cross-type comparisons are not ordered.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case []byte:
		bv, ok := b.([]byte)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		}
		return 0, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
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

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []interface{}:
		for _, member := range h {
			if c, ok := compareValues(member, needle); ok && c == 0 {
				return true
			}
		}
	}
	return false
}
