// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and migrates it.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := migrateUp("migrations/postgres", migrateURL(databaseURL)); err != nil {
		return nil, unavailable("migrate", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// migrateURL rewrites a postgres:// URL to the scheme of the pgx/v5 migration
// driver.
func migrateURL(databaseURL string) string {
	_, rest, _ := strings.Cut(databaseURL, "://")
	return "pgx5://" + rest
}

// PostedIDs returns the set of stored ids.
func (s *PostgresStore) PostedIDs(ctx context.Context) (map[string]struct{}, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	query, args := sb.Select("id").From("posted").Build()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("select ids", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("select ids", err)
	}

	ids := make(map[string]struct{}, len(list))
	for _, id := range list {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Record inserts r unless its id is already present.
func (s *PostgresStore) Record(ctx context.Context, r Record) error {
	r = stamp(r)
	query, args := insertRecord(sqlbuilder.PostgreSQL, r, r.PostedAt)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return unavailable("insert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateID
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	query, args := selectRecords(sqlbuilder.PostgreSQL, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("select", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r         Record
			messageID sql.NullInt64
		)
		err := row.Scan(&r.ID, &r.Title, &r.URL, &r.Source, &messageID, &r.PostedAt)
		r.MessageID = messageID.Int64
		r.PostedAt = r.PostedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, unavailable("select", err)
	}
	return list, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
