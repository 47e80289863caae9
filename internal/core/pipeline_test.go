package core_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medbench/internal/artifact"
	"medbench/internal/config"
	"medbench/internal/core"
	"medbench/internal/db"
	"medbench/internal/db/dbtest"
	"medbench/internal/extract"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

const subject = int64(10001)

var (
	admit1 = time.Date(2150, 3, 1, 8, 0, 0, 0, time.UTC)
	admit2 = time.Date(2150, 4, 1, 8, 0, 0, 0, time.UTC)
	admit3 = time.Date(2150, 5, 1, 8, 0, 0, 0, time.UTC)
	clock  = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
)

// seedPatient creates two admissions with discharge notes and a third
// without one.
func seedPatient(f *dbtest.Fixture) {
	f.Patient(subject)
	f.Admission(subject, 20001, admit1, admit1.Add(72*time.Hour))
	f.DischargeNote(subject, 20001, "10001-DS-1", admit1.Add(72*time.Hour), "Admitted for AKI.")
	f.Admission(subject, 20002, admit2, admit2.Add(48*time.Hour))
	f.DischargeNote(subject, 20002, "10001-DS-2", admit2.Add(48*time.Hour), "Admitted for pneumonia.")
	f.Admission(subject, 20003, admit3, admit3.Add(24*time.Hour))
}

type pipelineRun struct {
	root   string
	client *fakeClient
	p      *core.Pipeline
}

func newPipeline(t *testing.T, f *dbtest.Fixture, cfg config.Config, replies ...reply) *pipelineRun {
	t.Helper()
	root := t.TempDir()
	client := &fakeClient{replies: replies}
	w := artifact.NewWriter(afero.NewOsFs(), root, zerolog.Nop())
	p := core.NewPipeline(cfg, f.Store(), client, w, zerolog.Nop(),
		core.WithClock(clock),
		core.WithRunID(func() string { return "run-test" }),
	)
	return &pipelineRun{root: root, client: client, p: p}
}

func (r *pipelineRun) path(parts ...string) string {
	return filepath.Join(append([]string{r.root}, parts...)...)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func readJSONL(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRunPatient_AcceptedAdmissions(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	valid := reply{text: encode(t, validDoc())}
	r := newPipeline(t, f, config.Default(), valid, valid)

	m, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)

	assert.Equal(t, "run-test", m.RunID)
	assert.Equal(t, clock(), m.GeneratedAt)
	require.Len(t, m.Admissions, 2)
	assert.Equal(t, []pkg.ExcludedAdmission{{HadmID: 20003, Reason: extract.ReasonNoDischargeNote}}, m.ExcludedAdmissions)
	for i, hadm := range []int64{20001, 20002} {
		a := m.Admissions[i]
		assert.Equal(t, hadm, a.HadmID)
		assert.Equal(t, pkg.StatusAccepted, a.Status)
		assert.Equal(t, 1, a.AttemptCount)
		assert.Equal(t, 4, a.ConversationTurns)
		assert.NotEmpty(t, a.PacketSHA256)
		assert.FileExists(t, a.Paths["conversation"])
		assert.FileExists(t, a.Paths["packet"])
		assert.FileExists(t, a.Paths["summary"])
		assert.NotContains(t, a.Paths, "unlinked_notes")
		assert.NoFileExists(t, filepath.Join(a.Paths["admission_dir"], artifact.UnlinkedNotesFile))
	}
	assert.NoDirExists(t, r.path("10001", "admissions", "20003"))
	assert.NoDirExists(t, r.path("10001", ".staging", "20001"))

	var onDisk pkg.PatientManifest
	readJSON(t, r.path("10001", artifact.PatientManifestFile), &onDisk)
	assert.Len(t, onDisk.Admissions, 2)
	assert.Equal(t, "0.1.0", onDisk.SchemaVersion)
	assert.NotEmpty(t, onDisk.ConfigSnapshot)

	var prompt pkg.PromptRecord
	readJSON(t, r.path("10001", "admissions", "20002", artifact.PromptRecordFile), &prompt)
	assert.Equal(t, r.client.requests()[1].User, prompt.UserMessage)
	assert.False(t, prompt.PreviousSummaryIncluded)
}

func TestRunPatient_UnlinkedNotesSidecar(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	f.Insert(db.Radiology, map[string]any{
		"note_id": "10001-RR-9", "subject_id": subject, "note_type": "RR", "note_seq": 9,
		"charttime": "2150-03-02 12:00:00", "text": "Outpatient CT chest.",
	})
	r := newPipeline(t, f, config.Default(), reply{text: encode(t, validDoc())})

	m, err := r.p.RunPatient(context.Background(), subject, 20001)
	require.NoError(t, err)
	require.Len(t, m.Admissions, 1)

	path := m.Admissions[0].Paths["unlinked_notes"]
	assert.Equal(t, r.path("10001", "admissions", "20001", artifact.UnlinkedNotesFile), path)
	var notes pkg.UnlinkedNotes
	readJSON(t, path, &notes)
	require.Len(t, notes.RadiologyNotes, 1)
	assert.Equal(t, "10001-RR-9", notes.RadiologyNotes[0]["note_id"])
	assert.Equal(t, true, notes.RadiologyNotes[0]["within_admission_window"])
}

func TestRunPatient_ConversationViewsAgree(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	valid := reply{text: encode(t, validDoc())}
	r := newPipeline(t, f, config.Default(), valid, valid)

	_, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)

	details := readJSONL(t, r.path("10001", artifact.ConversationDetailsFile))
	var only []pkg.ConversationOnly
	readJSON(t, r.path("10001", artifact.ConversationOnlyFile), &only)

	require.Len(t, details, 8)
	require.Len(t, only, 2)
	i := 0
	for _, adm := range only {
		for _, turn := range adm.Conversation {
			d := details[i]
			assert.Equal(t, float64(adm.HadmID), d["hadm_id"])
			assert.Equal(t, float64(subject), d["subject_id"])
			assert.Equal(t, string(turn.Speaker), d["speaker"])
			assert.Equal(t, turn.Text, d["text"])
			i++
		}
	}

	perAdmission := readJSONL(t, r.path("10001", "admissions", "20001", artifact.ConversationFile))
	require.Len(t, perAdmission, 4)
	assert.Equal(t, details[0]["text"], perAdmission[0]["text"])
}

func TestRunPatient_FailedAdmissionContinues(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	r := newPipeline(t, f, config.Default(),
		reply{text: "not json"}, reply{text: "still not json"},
		reply{text: encode(t, validDoc())},
	)

	m, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)
	require.Len(t, m.Admissions, 2)

	failed := m.Admissions[0]
	assert.Equal(t, pkg.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.NotEmpty(t, failed.FinalViolations)
	assert.NotContains(t, failed.Paths, "conversation")
	assert.Equal(t, pkg.StatusAccepted, m.Admissions[1].Status)

	dir := r.path("10001", "admissions", "20001")
	assert.NoFileExists(t, filepath.Join(dir, artifact.ConversationFile))

	var calls pkg.ModelCallRecord
	readJSON(t, filepath.Join(dir, artifact.ModelCallRecordFile), &calls)
	require.Len(t, calls.Attempts, 2)
	assert.Equal(t, pkg.StatusFailed, calls.FinalStatus)

	var summary pkg.Summary
	readJSON(t, filepath.Join(dir, artifact.SummaryFile), &summary)
	assert.Equal(t, pkg.StatusFailed, summary.Status)
	assert.Equal(t, 2, summary.AttemptCount)
	assert.Equal(t, 2, summary.ValidationFailures)
	assert.NotEmpty(t, summary.FinalViolations)
	assert.Nil(t, summary.EndOfAdmissionSummary)

	var raw pkg.RawModelOutput
	readJSON(t, filepath.Join(dir, artifact.RawModelOutputFile), &raw)
	assert.Equal(t, "still not json", raw.ResponseText)

	assert.Len(t, readJSONL(t, r.path("10001", artifact.ConversationDetailsFile)), 4)
}

func TestRunPatient_RerunReplacesOutput(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	valid := reply{text: encode(t, validDoc())}
	r := newPipeline(t, f, config.Default(), valid, valid, valid)

	_, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)
	stale := r.path("10001", "admissions", "99999", "packet.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	m, err := r.p.RunPatient(context.Background(), subject, 20002)
	require.NoError(t, err)
	require.Len(t, m.Admissions, 1)
	assert.Equal(t, int64(20002), m.Admissions[0].HadmID)
	assert.NoFileExists(t, stale)
	assert.NoDirExists(t, r.path("10001", "admissions", "20001"))
	assert.Len(t, readJSONL(t, r.path("10001", artifact.ConversationDetailsFile)), 4)
}

func TestRunPatient_CapsLabs(t *testing.T) {
	f := dbtest.New(t)
	f.Patient(subject)
	f.Admission(subject, 20001, admit1, admit1.Add(72*time.Hour))
	f.DischargeNote(subject, 20001, "10001-DS-1", admit1.Add(72*time.Hour), "Admitted for AKI.")
	f.Labs(subject, 20001, 1, 5000, admit1)

	cfg := config.Default()
	cfg.Truncation.RowCaps["labs"] = 500
	r := newPipeline(t, f, cfg, reply{text: encode(t, validDoc())})

	_, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)

	var p pkg.Packet
	readJSON(t, r.path("10001", "admissions", "20001", artifact.PacketFile), &p)
	assert.Len(t, p.Labs, 500)
	assert.True(t, p.Stats.Truncation["labs"].Truncated)
	assert.Equal(t, 5000, p.Stats.Truncation["labs"].OriginalCount)

	var prompt pkg.PromptRecord
	readJSON(t, r.path("10001", "admissions", "20001", artifact.PromptRecordFile), &prompt)
	assert.Equal(t, []string{"labs"}, prompt.Policy.TruncatedSections)
	assert.Contains(t, prompt.UserMessage, "- labs: retained 500 of 5000 rows")
}

func TestRunPatient_CarriesPreviousSummary(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	cfg := config.Default()
	cfg.Prompt.CarryPreviousSummary = true
	valid := reply{text: encode(t, validDoc())}
	r := newPipeline(t, f, cfg, valid, valid)

	_, err := r.p.RunPatient(context.Background(), subject, 0)
	require.NoError(t, err)

	calls := r.client.requests()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].User, "Admitted with acute kidney injury that improved with fluids.")
	assert.Contains(t, calls[1].User, "Admitted with acute kidney injury that improved with fluids.")
}

func TestRunPatient_UnknownSubject(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	r := newPipeline(t, f, config.Default())

	_, err := r.p.RunPatient(context.Background(), 99999, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
	assert.NoDirExists(t, r.path("99999"))
	assert.Empty(t, r.client.requests())
}

func TestBuildTopCohort(t *testing.T) {
	f := dbtest.New(t)
	seedPatient(f)
	f.Patient(10002)
	f.Admission(10002, 30001, admit1, admit1.Add(time.Hour))

	root := t.TempDir()
	w := artifact.NewWriter(afero.NewOsFs(), root, zerolog.Nop())
	path, entries, err := core.BuildTopCohort(context.Background(), f.Store(), w, 1, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []pkg.CohortEntry{{SubjectID: subject, NAdmissions: 3}}, entries)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "subject_id,n_admissions\n10001,3\n", string(b))

	_, _, err = core.BuildTopCohort(context.Background(), f.Store(), w, 0, zerolog.Nop())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}
