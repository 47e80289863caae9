package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/doug-martin/goqu/v9"
)

// sqliteMaxVariables stays below SQLITE_MAX_VARIABLE_NUMBER of current builds.
const sqliteMaxVariables = 30000

// ImportCSV streams a MIMIC CSV export into the local SQLite table t.  The
// header row names the columns; columns unknown to t are skipped and empty
// cells become NULL.  All rows are inserted in one transaction.
func ImportCSV(ctx context.Context, conn *sql.DB, t Table, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read %s header: %w", t.Name, err)
	}

	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		known[c] = true
	}
	var colIdx []int
	var colNames []any
	for i, h := range header {
		if known[h] {
			colIdx = append(colIdx, i)
			colNames = append(colNames, h)
		}
	}
	if len(colIdx) == 0 {
		return 0, fmt.Errorf("%s: header shares no columns with the table", t.Name)
	}
	batchSize := sqliteMaxVariables / len(colIdx)
	if batchSize < 1 {
		batchSize = 1
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	dialect := goqu.Dialect("sqlite3")
	var batch [][]any
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ins := dialect.Insert(t.Name).Cols(colNames...)
		for _, vals := range batch {
			ins = ins.Vals(vals)
		}
		query, args, err := ins.Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.Name, err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return 0, fmt.Errorf("read %s line %d: %w", t.Name, line, err)
		}
		vals := make([]any, len(colIdx))
		for j, i := range colIdx {
			if i >= len(rec) || rec[i] == "" {
				vals[j] = nil
				continue
			}
			vals[j] = rec[i]
		}
		batch = append(batch, vals)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
