package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"medbench/pkg"
)

// Repository wraps the read queries issued against the source dataset.
// A Repository lives exactly as long as the Session it was built from.
type Repository struct {
	sess *Session
}

// NewRepository constructs a Repository over an open session.  The caller is
// responsible for closing the session.
func NewRepository(sess *Session) *Repository { return &Repository{sess: sess} }

func cols(t Table) []any {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = goqu.C(c)
	}
	return out
}

func orderBy(t Table) []exp.OrderedExpression {
	out := make([]exp.OrderedExpression, len(t.OrderBy))
	for i, c := range t.OrderBy {
		out[i] = goqu.C(c).Asc()
	}
	return out
}

// SubjectExists reports whether the subject is present in patients.
func (r *Repository) SubjectExists(ctx context.Context, subjectID int64) (bool, error) {
	ds := r.sess.From(Patients).
		Select(goqu.C("subject_id")).
		Where(goqu.Ex{"subject_id": subjectID}).
		Limit(1)
	rows, err := r.sess.Select(ctx, "patients", ds)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Patient returns the patient row, or nil if the subject does not exist.
func (r *Repository) Patient(ctx context.Context, subjectID int64) (pkg.Row, error) {
	ds := r.sess.From(Patients).
		Select(cols(Patients)...).
		Where(goqu.Ex{"subject_id": subjectID}).
		Limit(1)
	rows, err := r.sess.Select(ctx, "patients", ds)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Admission returns one admission row, or nil if it does not exist.
func (r *Repository) Admission(ctx context.Context, subjectID, hadmID int64) (pkg.Row, error) {
	ds := r.sess.From(Admissions).
		Select(cols(Admissions)...).
		Where(goqu.Ex{"subject_id": subjectID, "hadm_id": hadmID}).
		Limit(1)
	rows, err := r.sess.Select(ctx, "admissions", ds)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// ListAdmissions returns every admission of a subject with its discharge note
// count, ordered by admit time then admission id.
func (r *Repository) ListAdmissions(ctx context.Context, subjectID int64) ([]pkg.AdmissionRef, error) {
	ds := r.sess.From(Admissions).
		Select(goqu.C("subject_id"), goqu.C("hadm_id"), goqu.C("admittime"), goqu.C("dischtime")).
		Where(goqu.Ex{"subject_id": subjectID}).
		Order(goqu.C("admittime").Asc(), goqu.C("hadm_id").Asc())
	rows, err := r.sess.Select(ctx, "admissions", ds)
	if err != nil {
		return nil, err
	}

	counts, err := r.dischargeNoteCounts(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	refs := make([]pkg.AdmissionRef, 0, len(rows))
	for _, row := range rows {
		hadmID, ok := row.Int64("hadm_id")
		if !ok {
			continue
		}
		refs = append(refs, pkg.AdmissionRef{
			SubjectID:          subjectID,
			HadmID:             hadmID,
			AdmitTime:          row.Str("admittime"),
			DischTime:          row.Str("dischtime"),
			DischargeNoteCount: counts[hadmID],
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		ai, aj := refs[i].AdmitTime, refs[j].AdmitTime
		if ai == "" {
			ai = "9999"
		}
		if aj == "" {
			aj = "9999"
		}
		if ai != aj {
			return ai < aj
		}
		return refs[i].HadmID < refs[j].HadmID
	})
	return refs, nil
}

func (r *Repository) dischargeNoteCounts(ctx context.Context, subjectID int64) (map[int64]int, error) {
	ds := r.sess.From(Discharge).
		Select(goqu.C("hadm_id"), goqu.COUNT(goqu.C("note_id")).As("n")).
		Where(goqu.Ex{"subject_id": subjectID}, goqu.C("hadm_id").IsNotNull()).
		GroupBy(goqu.C("hadm_id"))
	rows, err := r.sess.Select(ctx, "discharge_counts", ds)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(rows))
	for _, row := range rows {
		h, ok := row.Int64("hadm_id")
		if !ok {
			continue
		}
		n, _ := row.Int64("n")
		out[h] = int(n)
	}
	return out, nil
}

// ByAdmission returns the rows of t linked to the admission.
func (r *Repository) ByAdmission(ctx context.Context, t Table, subjectID, hadmID int64) ([]pkg.Row, error) {
	ds := r.sess.From(t).
		Select(cols(t)...).
		Where(goqu.Ex{"subject_id": subjectID, "hadm_id": hadmID}).
		Order(orderBy(t)...)
	return r.sess.Select(ctx, t.Name, ds)
}

// Unlinked returns the rows of t for the subject that carry no admission id.
func (r *Repository) Unlinked(ctx context.Context, t Table, subjectID int64) ([]pkg.Row, error) {
	ds := r.sess.From(t).
		Select(cols(t)...).
		Where(goqu.Ex{"subject_id": subjectID, "hadm_id": nil}).
		Order(orderBy(t)...)
	return r.sess.Select(ctx, t.Name+"_unlinked", ds)
}

// ByAdmissionOrUnlinked returns the rows of t linked to the admission or
// carrying no admission id at all.
func (r *Repository) ByAdmissionOrUnlinked(ctx context.Context, t Table, subjectID, hadmID int64) ([]pkg.Row, error) {
	ds := r.sess.From(t).
		Select(cols(t)...).
		Where(
			goqu.Ex{"subject_id": subjectID},
			goqu.Or(goqu.Ex{"hadm_id": hadmID}, goqu.Ex{"hadm_id": nil}),
		).
		Order(orderBy(t)...)
	return r.sess.Select(ctx, t.Name+"_candidates", ds)
}

// ByParents returns detail rows of t whose parentCol is one of ids.
func (r *Repository) ByParents(ctx context.Context, t Table, subjectID int64, parentCol string, ids []any) ([]pkg.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ds := r.sess.From(t).
		Select(cols(t)...).
		Where(goqu.Ex{"subject_id": subjectID, parentCol: ids}).
		Order(orderBy(t)...)
	return r.sess.Select(ctx, t.Name, ds)
}

// Dictionary returns rows of a dictionary table whose keyCol is one of keys.
func (r *Repository) Dictionary(ctx context.Context, t Table, keyCol string, keys []any) ([]pkg.Row, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ds := r.sess.From(t).
		Select(cols(t)...).
		Where(goqu.Ex{keyCol: keys}).
		Order(orderBy(t)...)
	return r.sess.Select(ctx, t.Name, ds)
}

// TopSubjectsByAdmissions returns the limit subjects with the most distinct
// admissions, ties broken by subject id.
func (r *Repository) TopSubjectsByAdmissions(ctx context.Context, limit int) ([]pkg.CohortEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("cohort limit must be positive, got %d", limit)
	}
	ds := r.sess.From(Admissions).
		Select(goqu.C("subject_id"), goqu.COUNT(goqu.DISTINCT("hadm_id")).As("n_admissions")).
		GroupBy(goqu.C("subject_id")).
		Order(goqu.I("n_admissions").Desc(), goqu.C("subject_id").Asc()).
		Limit(uint(limit))
	rows, err := r.sess.Select(ctx, "cohort", ds)
	if err != nil {
		return nil, err
	}
	out := make([]pkg.CohortEntry, 0, len(rows))
	for _, row := range rows {
		sid, ok := row.Int64("subject_id")
		if !ok {
			continue
		}
		n, _ := row.Int64("n_admissions")
		out = append(out, pkg.CohortEntry{SubjectID: sid, NAdmissions: int(n)})
	}
	return out, nil
}
