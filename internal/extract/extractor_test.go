package extract_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medbench/internal/config"
	"medbench/internal/db"
	"medbench/internal/db/dbtest"
	"medbench/internal/extract"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

var (
	admit    = time.Date(2150, 3, 1, 8, 0, 0, 0, time.UTC)
	disch    = admit.Add(72 * time.Hour)
	fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
)

const (
	subject = int64(10001)
	hadm    = int64(20001)
)

func newExtractor(t *testing.T, f *dbtest.Fixture, cfg config.Config) *extract.Extractor {
	t.Helper()
	sess, err := f.Store().Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return extract.New(db.NewRepository(sess), cfg, zerolog.Nop(), fixedNow)
}

// seedAdmission creates a patient with one admission and a discharge note.
func seedAdmission(f *dbtest.Fixture) {
	f.Patient(subject)
	f.Admission(subject, hadm, admit, disch)
	f.DischargeNote(subject, hadm, "10001-DS-1", disch, "Discharge summary text.")
}

func extractOne(t *testing.T, x *extract.Extractor) *extract.Result {
	t.Helper()
	plan, err := x.Plan(context.Background(), subject, 0)
	require.NoError(t, err)
	require.Len(t, plan.Admissions, 1)
	res, err := x.Extract(context.Background(), plan.Admissions[0])
	require.NoError(t, err)
	return res
}

func TestPlan_ExcludesAdmissionsWithoutDischargeNote(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Admission(subject, hadm+1, admit.Add(-240*time.Hour), admit.Add(-200*time.Hour))

	x := newExtractor(t, f, config.Default())
	plan, err := x.Plan(context.Background(), subject, 0)
	require.NoError(t, err)

	require.Len(t, plan.Admissions, 1)
	assert.Equal(t, hadm, plan.Admissions[0].HadmID)
	assert.Equal(t, []pkg.ExcludedAdmission{{HadmID: hadm + 1, Reason: extract.ReasonNoDischargeNote}}, plan.Excluded)
}

func TestPlan_OrderAndMaxAdmissions(t *testing.T) {
	f := dbtest.New(t)
	f.Patient(subject)
	for i, offset := range []time.Duration{48 * time.Hour, 0, 24 * time.Hour} {
		h := hadm + int64(i)
		f.Admission(subject, h, admit.Add(offset), admit.Add(offset+time.Hour))
		f.DischargeNote(subject, h, fmt.Sprintf("%d-DS-1", h), admit.Add(offset+time.Hour), "note")
	}

	cfg := config.Default()
	cfg.Extraction.MaxAdmissions = 2
	plan, err := newExtractor(t, f, cfg).Plan(context.Background(), subject, 0)
	require.NoError(t, err)

	require.Len(t, plan.Admissions, 2)
	assert.Equal(t, hadm+1, plan.Admissions[0].HadmID)
	assert.Equal(t, hadm+2, plan.Admissions[1].HadmID)
	assert.Equal(t, []pkg.ExcludedAdmission{{HadmID: hadm, Reason: extract.ReasonMaxAdmissions}}, plan.Excluded)
}

func TestPlan_NotFound(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	x := newExtractor(t, f, config.Default())

	_, err := x.Plan(context.Background(), 999, 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	_, err = x.Plan(context.Background(), subject, 42)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestPlan_SubjectWithoutAdmissions(t *testing.T) {
	f := dbtest.New(t)
	f.Patient(subject)

	plan, err := newExtractor(t, f, config.Default()).Plan(context.Background(), subject, 0)
	require.NoError(t, err)
	assert.Empty(t, plan.Admissions)
	assert.Empty(t, plan.Excluded)
}

func TestExtract_Deterministic(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.LabItem(50912, "Creatinine")
	f.Labs(subject, hadm, 1, 30, admit.Add(time.Hour))
	f.Insert(db.Transfers,
		map[string]any{"subject_id": subject, "hadm_id": hadm, "transfer_id": 2, "eventtype": "admit", "careunit": "Medicine", "intime": "2150-03-01 09:00:00"},
		map[string]any{"subject_id": subject, "hadm_id": hadm, "transfer_id": 1, "eventtype": "ED", "careunit": "Emergency Department", "intime": "2150-03-01 07:00:00"},
	)

	first := extractOne(t, newExtractor(t, f, config.Default()))
	second := extractOne(t, newExtractor(t, f, config.Default()))

	if diff := cmp.Diff(first.Packet, second.Packet); diff != "" {
		t.Fatalf("packets differ (-first +second):\n%s", diff)
	}
	a, err := pkg.CanonicalJSON(first.Packet)
	require.NoError(t, err)
	b, err := pkg.CanonicalJSON(second.Packet)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Packet.Stats.SHA256, second.Packet.Stats.SHA256)
	assert.Equal(t, first.Manifest.PacketSHA256, first.Packet.Stats.SHA256)

	hash, err := pkg.HashPacket(first.Packet)
	require.NoError(t, err)
	assert.Equal(t, hash, first.Packet.Stats.SHA256)

	xfers := first.Packet.LocationTimeline.Transfers
	require.Len(t, xfers, 2)
	assert.Equal(t, "XFER#000001", xfers[0]["eid"])
	assert.Equal(t, "ED", xfers[0]["eventtype"])
	assert.Equal(t, int64(-60), xfers[0]["t_rel_min"])
	assert.NotContains(t, xfers[0], "subject_id")
	assert.NotContains(t, xfers[0], "hadm_id")
}

func TestExtract_PacketShape(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.LabItem(50912, "Creatinine")
	f.Labs(subject, hadm, 1, 3, admit.Add(90*time.Second))
	f.Insert(db.DiagnosesICD, map[string]any{"subject_id": subject, "hadm_id": hadm, "seq_num": 1, "icd_code": "N179", "icd_version": 10})
	f.Insert(db.DICDDiagnoses,
		map[string]any{"icd_code": "N179", "icd_version": 10, "long_title": "Acute kidney failure, unspecified"},
		map[string]any{"icd_code": "N179", "icd_version": 9, "long_title": "wrong version"},
	)

	res := extractOne(t, newExtractor(t, f, config.Default()))
	p := res.Packet

	assert.Equal(t, pkg.AdmissionKey{SubjectID: subject, HadmID: hadm}, p.IDs)
	assert.Equal(t, "PT#000001", p.Patient["eid"])
	assert.Equal(t, "ADM#000001", p.Admission["eid"])
	assert.Equal(t, "HOME", p.Admission["discharge_location"])
	assert.Equal(t, "2150-03-01T08:00:00", p.TimeBasis.AdmitTime)
	assert.Equal(t, "minutes_since_admit", p.TimeBasis.RelativeTimeUnit)

	require.Len(t, p.Labs, 3)
	assert.Equal(t, "LAB#000001", p.Labs[0]["eid"])
	assert.Equal(t, "Creatinine", p.Labs[0]["label"])
	assert.Equal(t, int64(1), p.Labs[0]["t_rel_min"], "relative minutes are floored")

	require.Len(t, p.Billing.DiagnosesICD, 1)
	assert.Equal(t, "Acute kidney failure, unspecified", p.Billing.DiagnosesICD[0]["long_title"])

	require.Len(t, p.Notes.Discharge, 1)
	assert.Equal(t, "DS#000001", p.Notes.Discharge[0]["eid"])

	assert.NotNil(t, p.Orders.EMAR)
	assert.Empty(t, p.Orders.EMAR)
	assert.Empty(t, p.PolicyExceptions)
	assert.False(t, p.ICU.HasICUStay)

	m := res.Manifest
	assert.Equal(t, fixedNow(), m.ExtractedAt)
	assert.Equal(t, 2+3+1+1, m.PacketEIDCount)
	require.NotEmpty(t, m.TablesUsed)
	assert.Equal(t, "admission_patient", m.TablesUsed[0].SectionKey)
	assert.Equal(t, "PROXIMAL_TIME_JOIN", m.NullHandlingPolicies["labevents_hadm_id_null"])
	assert.False(t, m.Truncation.Applied)
}

func TestExtract_CapsLabsEarliestFirst(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Labs(subject, hadm, 1, 5000, admit)

	cfg := config.Default()
	cfg.Truncation.RowCaps["labs"] = 500
	res := extractOne(t, newExtractor(t, f, cfg))

	require.Len(t, res.Packet.Labs, 500)
	assert.Equal(t, "LAB#000001", res.Packet.Labs[0]["eid"])
	assert.Equal(t, "LAB#000500", res.Packet.Labs[499]["eid"])
	assert.Equal(t, int64(1), res.Packet.Labs[0]["labevent_id"])
	assert.Equal(t, int64(499), res.Packet.Labs[499]["t_rel_min"])

	stats := res.Packet.Stats.Truncation["labs"]
	assert.Equal(t, 5000, stats.OriginalCount)
	assert.Equal(t, 500, stats.RetainedCount)
	assert.True(t, stats.Truncated)
	require.NotNil(t, stats.Cap)
	assert.Equal(t, 500, *stats.Cap)
	assert.Equal(t, 500, res.Packet.Stats.RowCounts["labs"])

	assert.True(t, res.Manifest.Truncation.Applied)
	assert.Equal(t, stats, res.Manifest.Truncation.PerSection["labs"])
	assert.Nil(t, res.Manifest.Truncation.PerSectionLimits["transfers"])
}

func TestExtract_AbnormalFirst(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Labs(subject, hadm, 1, 50, admit)

	cfg := config.Default()
	cfg.Truncation.RowCaps["labs"] = 10
	cfg.Truncation.Strategy = config.StrategyAbnormalFirst
	res := extractOne(t, newExtractor(t, f, cfg))

	require.Len(t, res.Packet.Labs, 10)
	var flagged int
	var ids []int64
	for _, r := range res.Packet.Labs {
		if r["flag"] == "abnormal" {
			flagged++
		}
		id, _ := r.Int64("labevent_id")
		ids = append(ids, id)
	}
	assert.Equal(t, 5, flagged)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 10, 20, 30, 40, 50}, ids)
}

func TestExtract_ProximalCapture(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Labs(subject, hadm, 1, 2, admit.Add(time.Hour))
	f.Insert(db.LabEvents,
		map[string]any{"labevent_id": 100, "subject_id": subject, "itemid": 50912, "charttime": "2150-03-02 10:00:00"},
		map[string]any{"labevent_id": 101, "subject_id": subject, "itemid": 50912, "charttime": "2150-02-01 10:00:00"},
	)
	f.Insert(db.MicrobiologyEvents,
		map[string]any{"microevent_id": 7, "subject_id": subject, "chartdate": "2150-03-02 00:00:00", "spec_type_desc": "BLOOD CULTURE"},
	)

	res := extractOne(t, newExtractor(t, f, config.Default()))
	require.Len(t, res.Packet.Labs, 3)
	assert.Equal(t, int64(100), res.Packet.Labs[2]["labevent_id"])
	assert.Equal(t, map[string]int{"strict_hadm": 2, "proximal_null_hadm": 1}, res.Manifest.PolicyCaptureCounts["labs"])

	require.Len(t, res.Packet.Microbiology, 1)
	assert.Equal(t, map[string]int{"strict_hadm": 0, "proximal_null_hadm": 1}, res.Manifest.PolicyCaptureCounts["microbiology"])

	cfg := config.Default()
	cfg.Extraction.ProximalLabCapture = false
	res = extractOne(t, newExtractor(t, f, cfg))
	assert.Len(t, res.Packet.Labs, 2)
	assert.Equal(t, "EXCLUDE", res.Manifest.NullHandlingPolicies["labevents_hadm_id_null"])
}

func TestExtract_EMARLinkage(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Insert(db.Pharmacy, map[string]any{"subject_id": subject, "hadm_id": hadm, "pharmacy_id": 555, "entertime": "2150-03-01 09:00:00", "medication": "Heparin"})
	f.Insert(db.EMAR,
		map[string]any{"subject_id": subject, "hadm_id": hadm, "emar_id": "E-1", "emar_seq": 1, "charttime": "2150-03-01 10:00:00", "medication": "Heparin"},
		map[string]any{"subject_id": subject, "emar_id": "E-2", "emar_seq": 2, "pharmacy_id": 555, "charttime": "2150-03-10 10:00:00"},
		map[string]any{"subject_id": subject, "emar_id": "E-3", "emar_seq": 3, "charttime": "2150-03-02 10:00:00"},
		map[string]any{"subject_id": subject, "emar_id": "E-4", "emar_seq": 4, "charttime": "2150-05-02 10:00:00"},
	)
	f.Insert(db.EMARDetail, map[string]any{"subject_id": subject, "emar_id": "E-1", "emar_seq": 1, "parent_field_ordinal": "1", "dose_given": "5000"})

	res := extractOne(t, newExtractor(t, f, config.Default()))
	var ids []string
	for _, r := range res.Packet.Orders.EMAR {
		ids = append(ids, r.Str("emar_id"))
	}
	assert.Equal(t, []string{"E-1", "E-3", "E-2"}, ids)

	counts := res.Manifest.PolicyCaptureCounts["emar"]
	assert.Equal(t, 1, counts["direct_hadm"])
	assert.Equal(t, 1, counts["linked_via_pharmacy_id"])
	assert.Equal(t, 1, counts["linked_via_time_window"])
	assert.Equal(t, 1, counts["excluded_null_hadm"])

	require.Len(t, res.Packet.Orders.EMARDetail, 1)
	assert.Equal(t, "EMD#000001", res.Packet.Orders.EMARDetail[0]["eid"])
}

func TestExtract_UnlinkedRadiologySidecar(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)
	f.Insert(db.Radiology,
		map[string]any{"note_id": "R-1", "subject_id": subject, "hadm_id": hadm, "note_type": "RR", "note_seq": 1, "charttime": "2150-03-01 12:00:00", "text": "CXR"},
		map[string]any{"note_id": "R-2", "subject_id": subject, "note_type": "RR", "note_seq": 2, "charttime": "2150-03-02 12:00:00", "text": "CT"},
		map[string]any{"note_id": "R-3", "subject_id": subject, "note_type": "RR", "note_seq": 3, "charttime": "2149-03-02 12:00:00", "text": "old"},
	)

	res := extractOne(t, newExtractor(t, f, config.Default()))
	require.Len(t, res.Packet.Notes.Radiology, 1)
	assert.Equal(t, "R-1", res.Packet.Notes.Radiology[0]["note_id"])

	require.Len(t, res.UnlinkedNote, 2)
	assert.Equal(t, "R-3", res.UnlinkedNote[0]["note_id"])
	assert.Equal(t, false, res.UnlinkedNote[0]["within_admission_window"])
	assert.Equal(t, true, res.UnlinkedNote[1]["within_admission_window"])
	assert.Equal(t, 2, res.Manifest.UnlinkedNoteCount)
	assert.Equal(t, map[string]int{"linked_hadm": 1, "unlinked_hadm_excluded": 2}, res.Manifest.PolicyCaptureCounts["radiology"])
}

func TestExtract_DischargeNoteGate(t *testing.T) {
	f := dbtest.New(t)
	f.Patient(subject)
	f.Admission(subject, hadm, admit, disch)
	ref := pkg.AdmissionRef{SubjectID: subject, HadmID: hadm}

	_, err := newExtractor(t, f, config.Default()).Extract(context.Background(), ref)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePromptPolicy))

	cfg := config.Default()
	cfg.Extraction.RequireDischargeNote = false
	x := newExtractor(t, f, cfg)
	plan, err := x.Plan(context.Background(), subject, 0)
	require.NoError(t, err)
	require.Len(t, plan.Admissions, 1)

	res, err := x.Extract(context.Background(), plan.Admissions[0])
	require.NoError(t, err)
	assert.True(t, res.Packet.HasException(pkg.ExceptionDischargeNoteMissing))
	assert.NotNil(t, res.Packet.Notes.Discharge)
	assert.Empty(t, res.Packet.Notes.Discharge)
	assert.Equal(t, []string{pkg.ExceptionDischargeNoteMissing}, res.Manifest.PolicyExceptions)
}

func TestPackets(t *testing.T) {
	f := dbtest.New(t)
	seedAdmission(f)

	results, plan, err := newExtractor(t, f, config.Default()).Packets(context.Background(), subject, hadm)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, plan.Admissions[0], results[0].Ref)
}
