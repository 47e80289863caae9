package core

import (
	"context"

	"github.com/rs/zerolog"

	"medbench/internal/artifact"
	"medbench/internal/db"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// BuildTopCohort selects the limit subjects with the most admissions (ties by
// subject id) and writes them as CSV.  It returns the CSV path.
func BuildTopCohort(ctx context.Context, sessions Sessions, writer *artifact.Writer, limit int, log zerolog.Logger) (string, []pkg.CohortEntry, error) {
	if limit < 1 {
		return "", nil, apperrors.NewConfigError("cohort limit must be at least 1")
	}
	sess, err := sessions.Session(ctx)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = sess.Close() }()

	entries, err := db.NewRepository(sess).TopSubjectsByAdmissions(ctx, limit)
	if err != nil {
		return "", nil, err
	}
	path, err := writer.WriteCohort(limit, entries)
	if err != nil {
		return "", nil, err
	}
	log.Info().Int("subjects", len(entries)).Str("path", path).Msg("cohort written")
	return path, entries, nil
}
