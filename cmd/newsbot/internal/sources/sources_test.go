// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.astrophena.name/newsbot/internal/testutil"
)

var wantSources = []Source{
	{Name: "kun.uz", DisplayName: "Kun.uz", FeedURL: "https://kun.uz/news/rss"},
	{Name: "gazeta", DisplayName: "gazeta", FeedURL: "https://www.gazeta.uz/ru/rss/"},
}

func TestFileLoad(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"sources.yml", "sources.toml", "sources.star"} {
		t.Run(name, func(t *testing.T) {
			got, err := File{Path: filepath.Join("testdata", name)}.Load(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got, wantSources)
		})
	}
}

func TestFileLoadRereads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	f := File{Path: path}

	write("sources:\n  - name: a\n    feed_url: https://a.example/rss\n")
	got, err := f.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(got), 1)

	write("sources:\n  - name: a\n    feed_url: https://a.example/rss\n  - name: b\n    feed_url: https://b.example/rss\n")
	got, err = f.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(got), 2)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		name       string
		in         string
		wantErrMsg string
	}{
		"unknown format": {
			name:       "sources.json",
			in:         `{}`,
			wantErrMsg: `unknown format ".json"`,
		},
		"malformed yaml": {
			name:       "sources.yml",
			in:         "sources: [",
			wantErrMsg: "yaml",
		},
		"unknown yaml field": {
			name:       "sources.yml",
			in:         "sources:\n  - name: a\n    feed: https://a.example/rss\n",
			wantErrMsg: "field feed not found",
		},
		"empty list": {
			name:       "sources.yml",
			in:         "sources: []\n",
			wantErrMsg: "no sources defined",
		},
		"missing name": {
			name:       "sources.toml",
			in:         "[[sources]]\nfeed_url = \"https://a.example/rss\"\n",
			wantErrMsg: "name is required",
		},
		"missing feed_url": {
			name:       "sources.toml",
			in:         "[[sources]]\nname = \"a\"\n",
			wantErrMsg: "feed_url is required",
		},
		"unknown toml key": {
			name:       "sources.toml",
			in:         "[[sources]]\nname = \"a\"\nfeed_url = \"https://a.example/rss\"\ncolor = \"red\"\n",
			wantErrMsg: "unknown keys",
		},
		"relative url": {
			name:       "sources.yml",
			in:         "sources:\n  - name: a\n    feed_url: /rss\n",
			wantErrMsg: "must be an absolute http or https URL",
		},
		"ftp url": {
			name:       "sources.yml",
			in:         "sources:\n  - name: a\n    feed_url: ftp://a.example/rss\n",
			wantErrMsg: "must be an absolute http or https URL",
		},
		"duplicate url": {
			name:       "sources.yml",
			in:         "sources:\n  - name: a\n    feed_url: https://a.example/rss\n  - name: b\n    feed_url: https://a.example/rss\n",
			wantErrMsg: `is already used by "a"`,
		},
		"duplicate name": {
			name:       "sources.yml",
			in:         "sources:\n  - name: a\n    feed_url: https://a.example/rss\n  - name: a\n    feed_url: https://b.example/rss\n",
			wantErrMsg: `source #2: name "a" is already used`,
		},
		"starlark without sources": {
			name:       "sources.star",
			in:         "feeds = []\n",
			wantErrMsg: "sources must be defined and be a list",
		},
		"starlark with wrong element": {
			name:       "sources.star",
			in:         "sources = [\"https://a.example/rss\"]\n",
			wantErrMsg: "only source() values",
		},
		"starlark positional arguments": {
			name:       "sources.star",
			in:         "sources = [source(\"a\", \"https://a.example/rss\")]\n",
			wantErrMsg: "unexpected positional arguments",
		},
		"starlark syntax error": {
			name:       "sources.star",
			in:         "sources = [\n",
			wantErrMsg: "sources.star",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(tc.name, []byte(tc.in))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("want ErrConfig, got %v", err)
			}
			if got != nil {
				t.Fatalf("want no partial result, got %v", got)
			}
			if !strings.Contains(err.Error(), tc.wantErrMsg) {
				t.Fatalf("want error to contain %q, got %q", tc.wantErrMsg, err.Error())
			}
		})
	}
}

func TestFileLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := File{Path: filepath.Join(t.TempDir(), "nope.yml")}.Load(context.Background())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist to be wrapped, got %v", err)
	}

	_, err = File{}.Load(context.Background())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig for empty path, got %v", err)
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()
	testutil.AssertEqual(t, Source{Name: "kun.uz"}.Label(), "kun.uz")
	testutil.AssertEqual(t, Source{Name: "kun.uz", DisplayName: "Kun.uz"}.Label(), "Kun.uz")
}
