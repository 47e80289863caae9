package extract

import (
	"time"

	"medbench/internal/db"
	"medbench/pkg"
)

// window is an inclusive time interval.
type window struct {
	from, to time.Time
}

func (w window) contains(t time.Time) bool {
	return !t.Before(w.from) && !t.After(w.to)
}

// firstTime returns the first parseable timestamp among cols.
func firstTime(r pkg.Row, cols ...string) (time.Time, bool) {
	for _, c := range cols {
		if t, ok := db.ParseTimestamp(r[c]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// captureProximal returns the unlinked candidates whose event time falls in w.
func captureProximal(candidates []pkg.Row, w window, timeCols ...string) []pkg.Row {
	var out []pkg.Row
	for _, r := range candidates {
		if t, ok := firstTime(r, timeCols...); ok && w.contains(t) {
			out = append(out, r)
		}
	}
	return out
}

// eMAR linkage paths, recorded in the input data manifest.
const (
	linkDirect       = "direct_hadm"
	linkPharmacy     = "linked_via_pharmacy_id"
	linkPOE          = "linked_via_poe_id"
	linkTimeWindow   = "linked_via_time_window"
	linkExcludedNull = "excluded_null_hadm"
)

func idSet(rows []pkg.Row, col string) map[string]bool {
	set := make(map[string]bool, len(rows))
	for _, r := range rows {
		if v := r.Str(col); v != "" {
			set[v] = true
		}
	}
	return set
}

// linkEMAR selects the eMAR rows belonging to the admission.  Rows with the
// admission id are kept; rows with no admission id are linked through a
// pharmacy order of the admission, then a provider order, then (optionally)
// by chart time inside the stay.
func linkEMAR(candidates []pkg.Row, hadmID int64, poe, pharmacy []pkg.Row, stay *window) ([]pkg.Row, map[string]int) {
	poeIDs := idSet(poe, "poe_id")
	pharmacyIDs := idSet(pharmacy, "pharmacy_id")
	counts := map[string]int{
		linkDirect:       0,
		linkPharmacy:     0,
		linkPOE:          0,
		linkTimeWindow:   0,
		linkExcludedNull: 0,
	}

	var selected []pkg.Row
	for _, r := range candidates {
		if h, ok := r.Int64("hadm_id"); ok {
			if h == hadmID {
				counts[linkDirect]++
				selected = append(selected, r)
			} else {
				counts[linkExcludedNull]++
			}
			continue
		}
		switch {
		case r.Str("pharmacy_id") != "" && pharmacyIDs[r.Str("pharmacy_id")]:
			counts[linkPharmacy]++
		case r.Str("poe_id") != "" && poeIDs[r.Str("poe_id")]:
			counts[linkPOE]++
		case stay != nil && inWindow(r, *stay, "charttime"):
			counts[linkTimeWindow]++
		default:
			counts[linkExcludedNull]++
			continue
		}
		selected = append(selected, r)
	}
	sortRows(selected, db.EMAR.OrderBy)
	return dedupe(selected, "emar_id"), counts
}

func inWindow(r pkg.Row, w window, cols ...string) bool {
	t, ok := firstTime(r, cols...)
	return ok && w.contains(t)
}
