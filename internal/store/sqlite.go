// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at path, creating and migrating it
// if necessary.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := migrateUp("migrations/sqlite", "sqlite://"+path); err != nil {
		return nil, unavailable("migrate", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, unavailable("open", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping", err)
	}
	return &SQLiteStore{db: db}, nil
}

// PostedIDs returns the set of stored ids.
func (s *SQLiteStore) PostedIDs(ctx context.Context) (map[string]struct{}, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	query, args := sb.Select("id").From("posted").Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("select ids", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan id", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select ids", err)
	}
	return ids, nil
}

// Record inserts r unless its id is already present.
func (s *SQLiteStore) Record(ctx context.Context, r Record) error {
	r = stamp(r)
	query, args := insertRecord(sqlbuilder.SQLite, r, r.PostedAt.UnixMilli())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("insert", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	query, args := selectRecords(sqlbuilder.SQLite, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("select", err)
	}
	defer rows.Close()

	var list []Record
	for rows.Next() {
		var (
			r         Record
			messageID sql.NullInt64
			postedAt  int64
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.URL, &r.Source, &messageID, &postedAt); err != nil {
			return nil, unavailable("scan", err)
		}
		r.MessageID = messageID.Int64
		r.PostedAt = time.UnixMilli(postedAt).UTC()
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select", err)
	}
	return list, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var recordCols = []string{"id", "title", "url", "source", "message_id", "posted_at"}

func insertRecord(flavor sqlbuilder.Flavor, r Record, postedAt any) (string, []any) {
	ib := flavor.NewInsertBuilder()
	ib.InsertInto("posted").Cols(recordCols...).
		Values(r.ID, r.Title, r.URL, r.Source, nullInt64(r.MessageID), postedAt)
	ib.SQL("ON CONFLICT (id) DO NOTHING")
	return ib.Build()
}

func selectRecords(flavor sqlbuilder.Flavor, limit int) (string, []any) {
	sb := flavor.NewSelectBuilder()
	sb.Select(recordCols...).From("posted").OrderBy("posted_at DESC", "id DESC")
	if limit > 0 {
		sb.Limit(limit)
	}
	return sb.Build()
}

func nullInt64(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: v != 0} }
