package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the local dataset schema to a SQLite database.  It executes
// the statements in schema.sql, which create tables and indexes if they do not
// already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// OpenLocal opens (creating if needed) a writable local SQLite dataset.
func OpenLocal(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY inside imports.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func splitStatements(script string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
