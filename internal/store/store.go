// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements the persistent record of published articles,
// backed by memory, a JSON file, SQLite or PostgreSQL.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Store is the dedup record of published articles.
//
// Implementations must be safe for concurrent use. Record never overwrites an
// existing entry.
type Store interface {
	// PostedIDs returns the set of ids of all committed records.
	PostedIDs(ctx context.Context) (map[string]struct{}, error)
	// Record inserts r. It returns ErrDuplicateID if a record with the same id
	// already exists.
	Record(ctx context.Context, r Record) error
	// List returns up to limit records, newest first. Non-positive limit
	// means no limit.
	List(ctx context.Context, limit int) ([]Record, error)
	// Close closes the store and releases any resources.
	Close() error
}

// Record describes a published article.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Source    string    `json:"source"`
	MessageID int64     `json:"message_id,omitempty"` // 0 if unknown
	PostedAt  time.Time `json:"posted_at"`
}

var (
	// ErrDuplicateID is returned by Record when the id is already stored.
	ErrDuplicateID = errors.New("store: duplicate id")
	// ErrUnavailable wraps all failures of the underlying storage.
	ErrUnavailable = errors.New("store: unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// used in tests
var now = time.Now

func stamp(r Record) Record {
	if r.PostedAt.IsZero() {
		r.PostedAt = now()
	}
	r.PostedAt = r.PostedAt.UTC().Truncate(time.Millisecond)
	return r
}

// Open opens the store described by dsn:
//
//   - "postgres://..." or "postgresql://..." opens a [PostgresStore];
//   - "mem:" opens a [MemStore];
//   - a path ending in ".json" opens a [JSONFile];
//   - any other path opens a [SQLiteStore].
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return nil, fmt.Errorf("%w: empty data source name", ErrUnavailable)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	case dsn == "mem:":
		return NewMemStore(), nil
	case strings.HasSuffix(dsn, ".json"):
		return NewJSONFile(dsn)
	default:
		return NewSQLiteStore(ctx, dsn)
	}
}

//go:embed migrations
var migrations embed.FS

// migrateUp applies the migrations from dir to the database at url.
func migrateUp(dir, url string) error {
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
