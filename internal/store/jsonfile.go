// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"slices"
	"sync"

	"crawshaw.dev/jsonfile"
)

// JSONFile is a file-backed implementation of the [Store] interface. Every
// call reads the file again, so records written by other processes are seen,
// and every Record rewrites the file atomically.
//
// Writers in different processes must be serialized by the caller.
type JSONFile struct {
	path string
	mu   sync.Mutex // serializes Record
}

type jsonStore struct {
	Posted map[string]Record `json:"posted"`
}

// NewJSONFile opens the JSONFile at path, creating it if it doesn't exist.
func NewJSONFile(path string) (*JSONFile, error) {
	_, err := jsonfile.Load[jsonStore](path)
	if errors.Is(err, fs.ErrNotExist) {
		var f *jsonfile.JSONFile[jsonStore]
		f, err = jsonfile.New[jsonStore](path)
		if err == nil {
			err = f.Write(func(js *jsonStore) error {
				js.Posted = make(map[string]Record)
				return nil
			})
		}
	}
	if err != nil {
		return nil, unavailable("open "+path, err)
	}
	return &JSONFile{path: path}, nil
}

func (s *JSONFile) load() (*jsonfile.JSONFile[jsonStore], error) {
	f, err := jsonfile.Load[jsonStore](s.path)
	if err != nil {
		return nil, unavailable("load "+s.path, err)
	}
	return f, nil
}

// PostedIDs returns the set of stored ids.
func (s *JSONFile) PostedIDs(context.Context) (map[string]struct{}, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var ids map[string]struct{}
	f.Read(func(js *jsonStore) {
		ids = make(map[string]struct{}, len(js.Posted))
		for id := range js.Posted {
			ids[id] = struct{}{}
		}
	})
	return ids, nil
}

// Record stores r unless its id is already present.
func (s *JSONFile) Record(_ context.Context, r Record) error {
	r = stamp(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	var dup bool
	err = f.Write(func(js *jsonStore) error {
		if js.Posted == nil {
			js.Posted = make(map[string]Record)
		}
		if _, dup = js.Posted[r.ID]; dup {
			return ErrDuplicateID
		}
		js.Posted[r.ID] = r
		return nil
	})
	if dup {
		return ErrDuplicateID
	}
	if err != nil {
		return unavailable("write", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *JSONFile) List(_ context.Context, limit int) ([]Record, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var list []Record
	f.Read(func(js *jsonStore) {
		list = slices.Collect(maps.Values(js.Posted))
	})
	return newestFirst(list, limit), nil
}

// Close is a no-op for JSONFile.
func (s *JSONFile) Close() error { return nil }
