// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sources loads the list of feeds the bot follows.
//
// The list is read from a file on every call to [File.Load], so edits take
// effect on the next cycle without a restart. Supported formats are YAML
// (.yml, .yaml), TOML (.toml) and Starlark (.star).
package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// ErrConfig is wrapped by every error returned from [File.Load].
var ErrConfig = errors.New("sources: invalid configuration")

// Source is a feed to follow.
type Source struct {
	// Name identifies the source in logs, reports and the dedup store. It
	// must be unique.
	Name string `json:"name" yaml:"name" toml:"name"`
	// DisplayName is shown in published messages. Defaults to Name.
	DisplayName string `json:"display_name,omitempty" yaml:"display_name" toml:"display_name"`
	// FeedURL is the absolute http(s) URL of the RSS or Atom feed.
	FeedURL string `json:"feed_url" yaml:"feed_url" toml:"feed_url"`
}

// Label returns the name shown to readers.
func (s Source) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Loader returns the current list of sources.
type Loader interface {
	Load(ctx context.Context) ([]Source, error)
}

// File is a [Loader] backed by a file on disk.
type File struct {
	Path string
}

// Load reads, parses and validates the sources file. It never returns a
// partial list.
func (f File) Load(ctx context.Context) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrConfig)
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	list, err := Parse(filepath.Base(f.Path), b)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Parse parses and validates sources from b. The format is chosen by the
// extension of name.
func Parse(name string, b []byte) ([]Source, error) {
	var (
		list []Source
		err  error
	)
	switch ext := filepath.Ext(name); ext {
	case ".yml", ".yaml":
		list, err = parseYAML(b)
	case ".toml":
		list, err = parseTOML(b)
	case ".star":
		list, err = parseStarlark(name, b)
	default:
		return nil, fmt.Errorf("%w: %s: unknown format %q", ErrConfig, name, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
	}
	if err := validate(list); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
	}
	for i := range list {
		if list[i].DisplayName == "" {
			list[i].DisplayName = list[i].Name
		}
	}
	return list, nil
}

func validate(list []Source) error {
	if len(list) == 0 {
		return errors.New("no sources defined")
	}
	var (
		seen  = make(map[string]string, len(list))
		names = make(map[string]bool, len(list))
	)
	for i, s := range list {
		if s.Name == "" {
			return fmt.Errorf("source #%d: name is required", i+1)
		}
		if names[s.Name] {
			return fmt.Errorf("source #%d: name %q is already used", i+1, s.Name)
		}
		names[s.Name] = true
		if s.FeedURL == "" {
			return fmt.Errorf("source %q: feed_url is required", s.Name)
		}
		u, err := url.Parse(s.FeedURL)
		if err != nil {
			return fmt.Errorf("source %q: invalid feed_url: %w", s.Name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("source %q: feed_url %q must be an absolute http or https URL", s.Name, s.FeedURL)
		}
		if prev, dup := seen[s.FeedURL]; dup {
			return fmt.Errorf("source %q: feed_url %q is already used by %q", s.Name, s.FeedURL, prev)
		}
		seen[s.FeedURL] = s.Name
	}
	return nil
}
