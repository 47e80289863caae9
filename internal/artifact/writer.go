package artifact

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// Writer owns the output tree of the subjects it is asked to write.  Every
// file is written to a temporary name and renamed into place.
type Writer struct {
	fs     afero.Fs
	layout Layout
	log    zerolog.Logger
}

// NewWriter creates a Writer rooted at root on fs.
func NewWriter(fs afero.Fs, root string, log zerolog.Logger) *Writer {
	return &Writer{
		fs:     fs,
		layout: Layout{Root: filepath.Clean(root)},
		log:    log.With().Str("component", "artifact").Logger(),
	}
}

// Layout returns the path layout used by w.
func (w *Writer) Layout() Layout { return w.layout }

// AdmissionFiles is everything committed for one admission.  Conversation is
// nil for failed admissions, in which case no conversation file is written.
// The unlinked notes file is only written when there are unlinked notes.
type AdmissionFiles struct {
	Packet        *pkg.Packet
	InputManifest *pkg.InputDataManifest
	Prompt        *pkg.PromptRecord
	ModelCalls    *pkg.ModelCallRecord
	RawOutput     pkg.RawModelOutput
	Conversation  *pkg.Conversation
	Summary       *pkg.Summary
	UnlinkedNotes []pkg.Row
}

type namedFile struct {
	name string
	v    any
}

// ResetPatient removes the subject's previous output and recreates its
// directory.
func (w *Writer) ResetPatient(subjectID int64) error {
	dir := w.layout.PatientDir(subjectID)
	rel, err := filepath.Rel(w.layout.Root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return apperrors.NewArtifactError(fmt.Sprintf("refusing to reset %s outside output root", dir), err)
	}
	if err := w.fs.RemoveAll(dir); err != nil {
		return apperrors.NewArtifactError("remove previous patient output", err)
	}
	if err := w.fs.MkdirAll(w.layout.AdmissionsDir(subjectID), 0o755); err != nil {
		return apperrors.NewArtifactError("create patient directory", err)
	}
	w.log.Info().Int64("subject_id", subjectID).Str("dir", dir).Msg("patient output reset")
	return nil
}

// StageAttempt records one attempt under the admission's staging directory.
// Staged attempts never touch committed output.
func (w *Writer) StageAttempt(key pkg.AdmissionKey, a pkg.ModelAttempt) error {
	dir := w.layout.StagingDir(key.SubjectID, key.HadmID)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return apperrors.NewArtifactError("create staging directory", err)
	}
	return w.writeJSON(w.layout.AttemptPath(key.SubjectID, key.HadmID, a.AttemptIndex), a)
}

// CommitAdmission assembles the admission in a hidden directory and renames
// it into place, replacing any previous copy.  The staging directory is
// removed afterwards.
func (w *Writer) CommitAdmission(key pkg.AdmissionKey, f AdmissionFiles) error {
	tmp := w.layout.tempAdmissionDir(key.SubjectID, key.HadmID)
	final := w.layout.AdmissionDir(key.SubjectID, key.HadmID)
	if err := w.fs.RemoveAll(tmp); err != nil {
		return apperrors.NewArtifactError("clear temporary admission directory", err)
	}
	if err := w.fs.MkdirAll(tmp, 0o755); err != nil {
		return apperrors.NewArtifactError("create temporary admission directory", err)
	}

	files := []namedFile{
		{PacketFile, f.Packet},
		{InputDataManifestFile, f.InputManifest},
		{PromptRecordFile, f.Prompt},
		{ModelCallRecordFile, f.ModelCalls},
		{RawModelOutputFile, f.RawOutput},
		{SummaryFile, f.Summary},
	}
	if len(f.UnlinkedNotes) > 0 {
		files = append(files, namedFile{UnlinkedNotesFile, pkg.UnlinkedNotes{RadiologyNotes: f.UnlinkedNotes}})
	}
	for _, file := range files {
		if err := w.writeJSON(filepath.Join(tmp, file.name), file.v); err != nil {
			return err
		}
	}
	if f.Conversation != nil {
		lines := make([]any, 0, len(f.Conversation.Turns))
		for _, t := range f.Conversation.Turns {
			lines = append(lines, t)
		}
		if err := w.writeJSONL(filepath.Join(tmp, ConversationFile), lines); err != nil {
			return err
		}
	}

	if err := w.fs.RemoveAll(final); err != nil {
		return apperrors.NewArtifactError("remove previous admission output", err)
	}
	if err := w.fs.Rename(tmp, final); err != nil {
		return apperrors.NewArtifactError("move admission into place", err)
	}
	if err := w.fs.RemoveAll(w.layout.StagingDir(key.SubjectID, key.HadmID)); err != nil {
		return apperrors.NewArtifactError("remove staging directory", err)
	}
	w.log.Info().Int64("subject_id", key.SubjectID).Int64("hadm_id", key.HadmID).Str("dir", final).Msg("admission committed")
	return nil
}

// WriteRollups rewrites the patient-level views and then the manifest.
func (w *Writer) WriteRollups(subjectID int64, details []pkg.ConversationDetail, only []pkg.ConversationOnly, m *pkg.PatientManifest) error {
	lines := make([]any, 0, len(details))
	for _, d := range details {
		lines = append(lines, d)
	}
	if err := w.writeJSONL(w.layout.ConversationDetailsPath(subjectID), lines); err != nil {
		return err
	}
	if only == nil {
		only = []pkg.ConversationOnly{}
	}
	if err := w.writeJSON(w.layout.ConversationOnlyPath(subjectID), only); err != nil {
		return err
	}
	return w.WriteManifest(m)
}

// WriteManifest rewrites the patient manifest.
func (w *Writer) WriteManifest(m *pkg.PatientManifest) error {
	return w.writeJSON(w.layout.PatientManifestPath(m.IDs.SubjectID), m)
}

// WriteCohort writes the cohort CSV and returns its path.
func (w *Writer) WriteCohort(limit int, entries []pkg.CohortEntry) (string, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"subject_id", "n_admissions"})
	for _, e := range entries {
		_ = cw.Write([]string{strconv.FormatInt(e.SubjectID, 10), strconv.Itoa(e.NAdmissions)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", apperrors.NewArtifactError("encode cohort", err)
	}
	if err := w.fs.MkdirAll(w.layout.Root, 0o755); err != nil {
		return "", apperrors.NewArtifactError("create output root", err)
	}
	path := w.layout.CohortPath(limit)
	return path, w.writeFile(path, buf.Bytes())
}

func (w *Writer) writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.NewArtifactError("encode "+filepath.Base(path), err)
	}
	return w.writeFile(path, append(b, '\n'))
}

func (w *Writer) writeJSONL(path string, rows []any) error {
	var buf bytes.Buffer
	for _, r := range rows {
		b, err := pkg.CanonicalJSON(r)
		if err != nil {
			return apperrors.NewArtifactError("encode "+filepath.Base(path), err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return w.writeFile(path, buf.Bytes())
}

// writeFile writes data next to path and renames it over path.
func (w *Writer) writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := w.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.NewArtifactError("create "+filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return apperrors.NewArtifactError("write "+filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return apperrors.NewArtifactError("sync "+filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return apperrors.NewArtifactError("close "+filepath.Base(path), err)
	}
	if err := w.fs.Rename(tmp, path); err != nil {
		return apperrors.NewArtifactError("rename "+filepath.Base(path), err)
	}
	return nil
}
