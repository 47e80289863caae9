package db

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"medbench/pkg"
)

// TimestampLayout is the rendering of every timestamp in a packet.
const TimestampLayout = "2006-01-02T15:04:05"

var timestampInputs = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// IsTimeColumn reports whether a column carries a timestamp or date.
func IsTimeColumn(col string) bool {
	return strings.HasSuffix(col, "time") || strings.HasSuffix(col, "date") || col == "dod"
}

// ParseTimestamp parses a normalized or raw source timestamp.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampInputs {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the packet layout, ignoring its location.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

func isNumericType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "NUMERIC", "DECIMAL", "FLOAT4", "FLOAT8", "REAL", "DOUBLE PRECISION":
		return true
	}
	return false
}

// normalizeValue makes driver values stable across Postgres and SQLite:
// timestamps become TimestampLayout strings, byte slices become strings and
// numeric text becomes float64.
func normalizeValue(col, dbType string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		v = string(t)
	case time.Time:
		return FormatTimestamp(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	if IsTimeColumn(col) {
		if ts, ok := ParseTimestamp(s); ok {
			return FormatTimestamp(ts)
		}
		return s
	}
	if isNumericType(dbType) {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return s
}

// scanRows reads every row of rs into normalized Rows.
func scanRows(rs *sql.Rows) ([]pkg.Row, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	dbTypes := make([]string, len(cols))
	if cts, err := rs.ColumnTypes(); err == nil {
		for i, ct := range cts {
			if i < len(dbTypes) && ct != nil {
				dbTypes[i] = ct.DatabaseTypeName()
			}
		}
	}

	var out []pkg.Row
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(pkg.Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(c, dbTypes[i], vals[i])
		}
		out = append(out, row)
	}
	return out, rs.Err()
}
