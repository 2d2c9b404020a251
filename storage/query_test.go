// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueryGreaterThan(t *testing.T) {
	s := testStore(t)
	for _, n := range []int{1, 3, 5, 7, 15} {
		require.NoError(t, s.Put("nums", string(rune('a'+n)), Document{"n": n}))
	}
	docs, err := s.Query("nums").
		Where(map[string]interface{}{"n": Cond{Op: "gt", Value: 5}}).
		Exec()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	seen := make(map[float64]bool)
	for _, doc := range docs {
		f, ok := toFloat(doc["n"])
		require.True(t, ok)
		seen[f] = true
	}
	require.True(t, seen[7])
	require.True(t, seen[15])
}

func TestQueryOrderByDescLimit(t *testing.T) {
	s := testStore(t)
	for _, n := range []int{1, 3, 5, 7, 15} {
		require.NoError(t, s.Put("nums", string(rune('a'+n)), Document{"n": n}))
	}
	docs, err := s.Query("nums").OrderBy("n", Desc).Limit(2).Exec()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	first, _ := toFloat(docs[0]["n"])
	second, _ := toFloat(docs[1]["n"])
	require.Equal(t, float64(15), first)
	require.Equal(t, float64(7), second)
}

func TestQueryEqualityAndIn(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put("people", "a", Document{"name": "alice", "age": 30}))
	require.NoError(t, s.Put("people", "b", Document{"name": "bob", "age": 25}))

	doc, err := s.Query("people").
		Where(map[string]interface{}{"name": "alice"}).
		First()
	require.NoError(t, err)
	require.Equal(t, "alice", doc["name"])

	count, err := s.Query("people").
		Where(map[string]interface{}{"name": Cond{Op: "in", Value: []interface{}{"alice", "bob"}}}).
		Count()
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = s.Query("people").
		Where(map[string]interface{}{"name": "mallory"}).
		First()
	require.Equal(t, ErrNotFound, err)
}

func TestObjectRoundTrip(t *testing.T) {
	s := testStore(t)
	type entry struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}
	require.NoError(t, s.PutObject("typed", "x", &entry{Name: "alice", Count: 3}))
	out := new(entry)
	require.NoError(t, s.GetObject("typed", "x", out))
	require.Equal(t, "alice", out.Name)
	require.Equal(t, 3, out.Count)

	keys, err := s.Keys("typed")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, keys)

	require.Equal(t, ErrNotFound, s.GetObject("typed", "missing", out))
}
