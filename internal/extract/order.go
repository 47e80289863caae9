package extract

import (
	"fmt"
	"sort"
	"strings"

	"medbench/internal/config"
	"medbench/pkg"
)

// compareValues orders two column values ascending with NULL last.  Numbers
// compare numerically and everything else by its string form; normalized
// timestamps sort chronologically as strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// sortRows orders rows by the natural key, nulls last.  Rows equal on the key
// are ordered by their canonical encoding so the result never depends on the
// order the source returned them in.
func sortRows(rows []pkg.Row, key []string) {
	tie := make(map[int]string)
	enc := func(i int, r pkg.Row) string {
		if s, ok := tie[i]; ok {
			return s
		}
		b, _ := pkg.CanonicalJSON(r)
		tie[i] = string(b)
		return tie[i]
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		a, b := rows[idx[x]], rows[idx[y]]
		for _, k := range key {
			if c := compareValues(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return enc(idx[x], a) < enc(idx[y], b)
	})
	sorted := make([]pkg.Row, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
}

// dedupe keeps the first row for each value of col.  Rows with a NULL id are
// all kept.
func dedupe(rows []pkg.Row, col string) []pkg.Row {
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		v, ok := r[col]
		if ok && v != nil {
			k := fmt.Sprint(v)
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		out = append(out, r)
	}
	return out
}

// capRows applies trunc.v1: keep the earliest cap rows in natural order.  With
// the abnormal_first strategy flagged rows are kept first, remaining slots are
// filled earliest-first, and the result is returned in natural order.
func capRows(rows []pkg.Row, limit int, capped bool, strategy string, key []string) ([]pkg.Row, pkg.SectionStats) {
	stats := pkg.SectionStats{OriginalCount: len(rows)}
	if capped {
		c := limit
		stats.Cap = &c
	}
	if !capped || len(rows) <= limit {
		stats.RetainedCount = len(rows)
		return rows, stats
	}
	stats.Truncated = true
	stats.RetainedCount = limit

	if strategy != config.StrategyAbnormalFirst {
		return rows[:limit], stats
	}
	keep := make([]bool, len(rows))
	n := 0
	for i, r := range rows {
		if n == limit {
			break
		}
		if strings.TrimSpace(r.Str("flag")) != "" {
			keep[i] = true
			n++
		}
	}
	for i := range rows {
		if n == limit {
			break
		}
		if !keep[i] {
			keep[i] = true
			n++
		}
	}
	out := make([]pkg.Row, 0, limit)
	for i, r := range rows {
		if keep[i] {
			out = append(out, r)
		}
	}
	sortRows(out, key)
	return out, stats
}
