// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"go.astrophena.name/newsbot/internal/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface, used for
// dry runs and tests. Its contents are lost when the process exits.
type MemStore struct {
	records *syncx.Protected[map[string]Record]
}

// NewMemStore creates a new empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: syncx.Protect(make(map[string]Record))}
}

// PostedIDs returns the set of stored ids.
func (s *MemStore) PostedIDs(context.Context) (map[string]struct{}, error) {
	var ids map[string]struct{}
	s.records.ReadAccess(func(records map[string]Record) {
		ids = make(map[string]struct{}, len(records))
		for id := range records {
			ids[id] = struct{}{}
		}
	})
	return ids, nil
}

// Record stores r unless its id is already present.
func (s *MemStore) Record(_ context.Context, r Record) error {
	r = stamp(r)
	var err error
	s.records.WriteAccess(func(records map[string]Record) {
		if _, dup := records[r.ID]; dup {
			err = ErrDuplicateID
			return
		}
		records[r.ID] = r
	})
	return err
}

// List returns up to limit records, newest first.
func (s *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	var list []Record
	s.records.ReadAccess(func(records map[string]Record) {
		list = slices.Collect(maps.Values(records))
	})
	return newestFirst(list, limit), nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }

func newestFirst(list []Record, limit int) []Record {
	slices.SortFunc(list, func(a, b Record) int {
		if c := b.PostedAt.Compare(a.PostedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
