// Package dbtest builds throwaway local datasets for tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"medbench/internal/config"
	"medbench/internal/db"
)

// Fixture is a migrated SQLite dataset in a temp directory.
type Fixture struct {
	Path string
	t    testing.TB
	conn *sql.DB
}

// New creates and migrates an empty dataset.
func New(t testing.TB) *Fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mimic.db")
	conn, err := db.OpenLocal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn))
	return &Fixture{Path: path, t: t, conn: conn}
}

// DB exposes the writable handle.
func (f *Fixture) DB() *sql.DB { return f.conn }

// Insert adds rows to table t.
func (f *Fixture) Insert(t db.Table, rows ...map[string]any) {
	f.t.Helper()
	dialect := goqu.Dialect("sqlite3")
	tx, err := f.conn.Begin()
	require.NoError(f.t, err)
	for _, r := range rows {
		query, args, err := dialect.Insert(t.Name).Rows(goqu.Record(r)).Prepared(true).ToSQL()
		require.NoError(f.t, err)
		_, err = tx.Exec(query, args...)
		if err != nil {
			_ = tx.Rollback()
			require.NoError(f.t, err)
		}
	}
	require.NoError(f.t, tx.Commit())
}

// Source returns a source configuration pointing at the fixture.
func (f *Fixture) Source() config.SourceConfig {
	return config.SourceConfig{
		Driver:       "sqlite",
		DSN:          f.Path,
		QueryTimeout: 10 * time.Second,
		PingTimeout:  5 * time.Second,
	}
}

// Store opens the fixture as a read-only source.
func (f *Fixture) Store() *db.Store {
	f.t.Helper()
	s, err := db.Open(context.Background(), f.Source(), zerolog.Nop())
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = s.Close() })
	return s
}
