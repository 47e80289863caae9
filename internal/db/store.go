package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"medbench/internal/config"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// Store is the handle on the source dataset.  It hands out read-only
// sessions and never writes.
type Store struct {
	db           *sql.DB
	driver       string
	dialect      goqu.DialectWrapper
	schemas      map[Module]string
	queryTimeout time.Duration
	log          zerolog.Logger
}

// Open connects to the configured source and verifies it is reachable.
func Open(ctx context.Context, cfg config.SourceConfig, log zerolog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, apperrors.NewDataSourceError("source.dsn is empty", nil)
	}
	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, apperrors.NewDataSourceError("open source database", err)
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pctx); err != nil {
		_ = conn.Close()
		return nil, apperrors.NewDataSourceError("ping source database", err)
	}
	return NewStore(conn, cfg, log), nil
}

// NewStore wraps an already opened database.
func NewStore(conn *sql.DB, cfg config.SourceConfig, log zerolog.Logger) *Store {
	dialect := "postgres"
	if cfg.Driver == "sqlite" {
		dialect = "sqlite3"
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Store{
		db:      conn,
		driver:  cfg.Driver,
		dialect: goqu.Dialect(dialect),
		schemas: map[Module]string{
			ModuleHosp: cfg.HospSchema,
			ModuleICU:  cfg.ICUSchema,
			ModuleNote: cfg.NoteSchema,
		},
		queryTimeout: timeout,
		log:          log.With().Str("component", "source").Logger(),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) readOnlyStatements() (on, off string) {
	if s.driver == "sqlite" {
		return "PRAGMA query_only = ON", "PRAGMA query_only = OFF"
	}
	return "SET default_transaction_read_only = on", "RESET default_transaction_read_only"
}

// Session takes an exclusive connection and switches it to read-only.  The
// caller owns the session and must Close it.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.NewDataSourceError("acquire source connection", err)
	}
	on, _ := s.readOnlyStatements()
	if _, err := conn.ExecContext(ctx, on); err != nil {
		_ = conn.Close()
		return nil, apperrors.NewDataSourceError("switch session to read-only", err)
	}
	return &Session{store: s, conn: conn}, nil
}

func (s *Store) table(t Table) exp.IdentifierExpression {
	if s.driver != "sqlite" {
		if schema := s.schemas[t.Module]; schema != "" {
			return goqu.S(schema).Table(t.Name)
		}
	}
	return goqu.T(t.Name)
}

// Session is a scoped read-only view of the source, used by one subject run.
type Session struct {
	store  *Store
	conn   *sql.Conn
	closed bool
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_, off := s.store.readOnlyStatements()
	// Best effort: a failed reset only affects the pooled connection.
	_, _ = s.conn.ExecContext(context.Background(), off)
	return s.conn.Close()
}

// From starts a prepared select over t.
func (s *Session) From(t Table) *goqu.SelectDataset {
	return s.store.dialect.From(s.store.table(t)).Prepared(true)
}

// Select runs ds and returns normalized rows.  label names the query in
// errors and logs.
func (s *Session) Select(ctx context.Context, label string, ds *goqu.SelectDataset) ([]pkg.Row, error) {
	if s.closed {
		return nil, apperrors.NewDataSourceError("session closed", nil)
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewDataSourceError("build query "+label, err)
	}

	qctx, cancel := context.WithTimeout(ctx, s.store.queryTimeout)
	defer cancel()
	start := time.Now()
	rs, err := s.conn.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, s.queryError(ctx, label, err)
	}
	defer rs.Close()
	rows, err := scanRows(rs)
	if err != nil {
		return nil, s.queryError(ctx, label, err)
	}
	s.store.log.Debug().
		Str("query", label).
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("source query")
	return rows, nil
}

// queryError keeps caller cancellation distinguishable from source failures.
func (s *Session) queryError(ctx context.Context, label string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("query %s: %w", label, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewDataSourceError(fmt.Sprintf("query %s timed out after %s", label, s.store.queryTimeout), err)
	}
	return apperrors.NewDataSourceError("query "+label, err)
}
