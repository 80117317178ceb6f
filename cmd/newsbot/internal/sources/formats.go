// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sources

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"gopkg.in/yaml.v3"
)

type document struct {
	Sources []entry `yaml:"sources" toml:"sources"`
}

// entry accepts "url" as an alias of "feed_url" for older sources files.
type entry struct {
	Name        string `yaml:"name" toml:"name"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	FeedURL     string `yaml:"feed_url" toml:"feed_url"`
	URL         string `yaml:"url" toml:"url"`
}

func (d document) sources() []Source {
	list := make([]Source, 0, len(d.Sources))
	for _, e := range d.Sources {
		s := Source{Name: e.Name, DisplayName: e.DisplayName, FeedURL: e.FeedURL}
		if s.FeedURL == "" {
			s.FeedURL = e.URL
		}
		list = append(list, s)
	}
	return list
}

func parseYAML(b []byte) ([]Source, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.sources(), nil
}

func parseTOML(b []byte) ([]Source, error) {
	var doc document
	md, err := toml.Decode(string(b), &doc)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}
	return doc.sources(), nil
}

// source is the Starlark value returned by the source builtin.
type source struct{ Source }

func (s *source) String() string        { return fmt.Sprintf("<source name=%q>", s.Name) }
func (s *source) Type() string          { return "source" }
func (s *source) Freeze()               {} // immutable
func (s *source) Truth() starlark.Bool  { return starlark.Bool(s.FeedURL != "") }
func (s *source) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }

func sourceBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("unexpected positional arguments")
	}
	s := new(source)
	if err := starlark.UnpackArgs("source", args, kwargs,
		"name", &s.Name,
		"feed_url", &s.FeedURL,
		"display_name?", &s.DisplayName,
	); err != nil {
		return nil, err
	}
	return s, nil
}

func parseStarlark(name string, b []byte) ([]Source, error) {
	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{TopLevelControl: true},
		&starlark.Thread{Name: name},
		name,
		b,
		starlark.StringDict{
			"source": starlark.NewBuiltin("source", sourceBuiltin),
		},
	)
	if err != nil {
		return nil, err
	}

	l, ok := globals["sources"].(*starlark.List)
	if !ok {
		return nil, errors.New("sources must be defined and be a list")
	}

	list := make([]Source, 0, l.Len())
	for i := range l.Len() {
		elem := l.Index(i)
		s, ok := elem.(*source)
		if !ok {
			return nil, fmt.Errorf("sources must contain only source() values, got %s", elem.Type())
		}
		list = append(list, s.Source)
	}
	return list, nil
}
