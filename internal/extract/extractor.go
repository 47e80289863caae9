package extract

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"medbench/internal/config"
	"medbench/internal/db"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// Source is the read surface the extractor needs.  *db.Repository
// implements it.
type Source interface {
	SubjectExists(ctx context.Context, subjectID int64) (bool, error)
	ListAdmissions(ctx context.Context, subjectID int64) ([]pkg.AdmissionRef, error)
	Patient(ctx context.Context, subjectID int64) (pkg.Row, error)
	Admission(ctx context.Context, subjectID, hadmID int64) (pkg.Row, error)
	ByAdmission(ctx context.Context, t db.Table, subjectID, hadmID int64) ([]pkg.Row, error)
	Unlinked(ctx context.Context, t db.Table, subjectID int64) ([]pkg.Row, error)
	ByAdmissionOrUnlinked(ctx context.Context, t db.Table, subjectID, hadmID int64) ([]pkg.Row, error)
	ByParents(ctx context.Context, t db.Table, subjectID int64, parentCol string, ids []any) ([]pkg.Row, error)
	Dictionary(ctx context.Context, t db.Table, keyCol string, keys []any) ([]pkg.Row, error)
}

// Exclusion reasons recorded for admissions left out of a plan.
const (
	ReasonNoDischargeNote = "no_discharge_note"
	ReasonMaxAdmissions   = "max_admissions"
)

// Plan is the ordered list of admissions to process for a subject.
type Plan struct {
	SubjectID  int64
	Admissions []pkg.AdmissionRef
	Excluded   []pkg.ExcludedAdmission
}

// Result is one extracted admission.  The packet is not modified after
// extraction.
type Result struct {
	Ref          pkg.AdmissionRef
	Packet       *pkg.Packet
	Manifest     *pkg.InputDataManifest
	UnlinkedNote []pkg.Row
}

// Extractor builds bounded, deterministic packets from the source.
type Extractor struct {
	src Source
	cfg config.Config
	log zerolog.Logger
	now func() time.Time
}

// New creates an Extractor.  now stamps input data manifests; nil uses the
// wall clock.
func New(src Source, cfg config.Config, log zerolog.Logger, now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{
		src: src,
		cfg: cfg,
		log: log.With().Str("component", "extractor").Logger(),
		now: now,
	}
}

// Plan lists the subject's qualifying admissions in (admit time, admission id)
// order.  hadmID, when non-zero, restricts the plan to that admission.  A
// subject with no admissions yields an empty plan.
func (e *Extractor) Plan(ctx context.Context, subjectID, hadmID int64) (Plan, error) {
	plan := Plan{SubjectID: subjectID}
	ok, err := e.src.SubjectExists(ctx, subjectID)
	if err != nil {
		return plan, err
	}
	if !ok {
		return plan, apperrors.NewNotFoundError(fmt.Sprintf("subject %d not found", subjectID)).WithAdmission(subjectID, hadmID)
	}

	refs, err := e.src.ListAdmissions(ctx, subjectID)
	if err != nil {
		return plan, err
	}
	if hadmID != 0 {
		var match []pkg.AdmissionRef
		for _, r := range refs {
			if r.HadmID == hadmID {
				match = append(match, r)
			}
		}
		if len(match) == 0 {
			return plan, apperrors.NewNotFoundError(fmt.Sprintf("admission %d not found for subject %d", hadmID, subjectID)).WithAdmission(subjectID, hadmID)
		}
		refs = match
	}

	for _, r := range refs {
		if e.cfg.Extraction.RequireDischargeNote && r.DischargeNoteCount == 0 {
			plan.Excluded = append(plan.Excluded, pkg.ExcludedAdmission{HadmID: r.HadmID, Reason: ReasonNoDischargeNote})
			continue
		}
		plan.Admissions = append(plan.Admissions, r)
	}
	if n := e.cfg.Extraction.MaxAdmissions; n > 0 && len(plan.Admissions) > n {
		for _, r := range plan.Admissions[n:] {
			plan.Excluded = append(plan.Excluded, pkg.ExcludedAdmission{HadmID: r.HadmID, Reason: ReasonMaxAdmissions})
		}
		plan.Admissions = plan.Admissions[:n]
	}

	e.log.Info().
		Int64("subject_id", subjectID).
		Int("admissions", len(plan.Admissions)).
		Int("excluded", len(plan.Excluded)).
		Msg("admission plan")
	return plan, nil
}

// Packets returns one packet per qualifying admission of the subject.
func (e *Extractor) Packets(ctx context.Context, subjectID, hadmID int64) ([]*Result, Plan, error) {
	plan, err := e.Plan(ctx, subjectID, hadmID)
	if err != nil {
		return nil, plan, err
	}
	out := make([]*Result, 0, len(plan.Admissions))
	for _, ref := range plan.Admissions {
		res, err := e.Extract(ctx, ref)
		if err != nil {
			return nil, plan, err
		}
		out = append(out, res)
	}
	return out, plan, nil
}

// queryLog records the row count of every query issued for an admission.
type queryLog map[string]int

func (q queryLog) record(label string, rows []pkg.Row) []pkg.Row {
	q[label] += len(rows)
	return rows
}

// Extract builds the packet for one admission.
func (e *Extractor) Extract(ctx context.Context, ref pkg.AdmissionRef) (*Result, error) {
	sid, hid := ref.SubjectID, ref.HadmID
	wrap := func(err error) error {
		if ae, ok := err.(*apperrors.AppError); ok {
			return ae.WithAdmission(sid, hid)
		}
		return err
	}

	adm, err := e.src.Admission(ctx, sid, hid)
	if err != nil {
		return nil, wrap(err)
	}
	if adm == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("admission %d not found", hid)).WithAdmission(sid, hid)
	}
	patient, err := e.src.Patient(ctx, sid)
	if err != nil {
		return nil, wrap(err)
	}
	if patient == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("subject %d not found", sid)).WithAdmission(sid, hid)
	}
	admitDt, ok := db.ParseTimestamp(adm["admittime"])
	if !ok {
		return nil, apperrors.NewDataSourceError("admission has no admittime", nil).WithAdmission(sid, hid)
	}
	dischDt, hasDisch := db.ParseTimestamp(adm["dischtime"])
	stayEnd := admitDt
	if hasDisch {
		stayEnd = dischDt
	}
	pad := time.Duration(e.cfg.Extraction.ProximalPaddingHours) * time.Hour
	proximal := window{from: admitDt.Add(-pad), to: stayEnd.Add(pad)}

	q := queryLog{}
	raw := make(map[string][]pkg.Row, len(sections))
	capture := map[string]map[string]int{}

	get := func(label string, t db.Table) ([]pkg.Row, error) {
		rows, err := e.src.ByAdmission(ctx, t, sid, hid)
		return q.record(label, rows), err
	}

	if raw["transfers"], err = get("transfers", db.Transfers); err != nil {
		return nil, wrap(err)
	}
	if raw["services"], err = get("services", db.Services); err != nil {
		return nil, wrap(err)
	}

	// Labs and microbiology, with proximal capture of unlinked rows.
	labs, err := get("labs_strict", db.LabEvents)
	if err != nil {
		return nil, wrap(err)
	}
	capture["labs"] = map[string]int{"strict_hadm": len(labs), "proximal_null_hadm": 0}
	if e.cfg.Extraction.ProximalLabCapture {
		cands, err := e.src.Unlinked(ctx, db.LabEvents, sid)
		if err != nil {
			return nil, wrap(err)
		}
		prox := q.record("labs_proximal", captureProximal(cands, proximal, "charttime"))
		capture["labs"]["proximal_null_hadm"] = len(prox)
		labs = append(labs, prox...)
	}
	sortRows(labs, secLabs.naturalKey())
	labs = dedupe(labs, "labevent_id")
	if err := e.enrichLabs(ctx, q, labs); err != nil {
		return nil, wrap(err)
	}
	raw["labs"] = labs

	micro, err := get("micro_strict", db.MicrobiologyEvents)
	if err != nil {
		return nil, wrap(err)
	}
	capture["microbiology"] = map[string]int{"strict_hadm": len(micro), "proximal_null_hadm": 0}
	if e.cfg.Extraction.ProximalMicroCapture {
		cands, err := e.src.Unlinked(ctx, db.MicrobiologyEvents, sid)
		if err != nil {
			return nil, wrap(err)
		}
		prox := q.record("micro_proximal", captureProximal(cands, proximal, "charttime", "chartdate"))
		capture["microbiology"]["proximal_null_hadm"] = len(prox)
		micro = append(micro, prox...)
	}
	sortRows(micro, secMicrobiology.naturalKey())
	raw["microbiology"] = dedupe(micro, "microevent_id")

	// Orders.
	if raw["poe"], err = get("poe", db.POE); err != nil {
		return nil, wrap(err)
	}
	if raw["poe_detail"], err = e.details(ctx, q, "poe_detail", db.POEDetail, sid, "poe_id", raw["poe"]); err != nil {
		return nil, wrap(err)
	}
	if raw["prescriptions"], err = get("prescriptions", db.Prescriptions); err != nil {
		return nil, wrap(err)
	}
	if raw["pharmacy"], err = get("pharmacy", db.Pharmacy); err != nil {
		return nil, wrap(err)
	}
	emarCands, err := e.src.ByAdmissionOrUnlinked(ctx, db.EMAR, sid, hid)
	if err != nil {
		return nil, wrap(err)
	}
	q.record("emar_candidates", emarCands)
	var stay *window
	if e.cfg.Extraction.EMARTimeWindowFallback && hasDisch {
		stay = &window{from: admitDt, to: dischDt}
	}
	emar, emarCounts := linkEMAR(emarCands, hid, raw["poe"], raw["pharmacy"], stay)
	capture["emar"] = emarCounts
	raw["emar"] = emar
	if raw["emar_detail"], err = e.details(ctx, q, "emar_detail", db.EMARDetail, sid, "emar_id", emar); err != nil {
		return nil, wrap(err)
	}

	// Billing.
	if raw["diagnoses_icd"], err = get("diagnoses_icd", db.DiagnosesICD); err != nil {
		return nil, wrap(err)
	}
	if err := e.enrichICD(ctx, db.DICDDiagnoses, raw["diagnoses_icd"]); err != nil {
		return nil, wrap(err)
	}
	if raw["procedures_icd"], err = get("procedures_icd", db.ProceduresICD); err != nil {
		return nil, wrap(err)
	}
	if err := e.enrichICD(ctx, db.DICDProcedures, raw["procedures_icd"]); err != nil {
		return nil, wrap(err)
	}
	if raw["drgcodes"], err = get("drgcodes", db.DRGCodes); err != nil {
		return nil, wrap(err)
	}

	// Notes.
	if raw["discharge"], err = get("discharge", db.Discharge); err != nil {
		return nil, wrap(err)
	}
	var exceptions []string
	if len(raw["discharge"]) == 0 {
		if e.cfg.Extraction.RequireDischargeNote {
			return nil, apperrors.NewPromptPolicyError("admission has no discharge note; it should have been excluded from the plan").WithAdmission(sid, hid)
		}
		exceptions = append(exceptions, pkg.ExceptionDischargeNoteMissing)
	}
	if raw["discharge_detail"], err = e.details(ctx, q, "discharge_detail", db.DischargeDetail, sid, "note_id", raw["discharge"]); err != nil {
		return nil, wrap(err)
	}
	if raw["radiology"], err = get("radiology", db.Radiology); err != nil {
		return nil, wrap(err)
	}
	if raw["radiology_detail"], err = e.details(ctx, q, "radiology_detail", db.RadiologyDetail, sid, "note_id", raw["radiology"]); err != nil {
		return nil, wrap(err)
	}
	var unlinked []pkg.Row
	if e.cfg.Extraction.IncludeUnlinkedRadiology {
		rows, err := e.src.Unlinked(ctx, db.Radiology, sid)
		if err != nil {
			return nil, wrap(err)
		}
		unlinked = flagUnlinked(q.record("radiology_unlinked", rows), window{from: admitDt, to: stayEnd})
	}
	capture["radiology"] = map[string]int{
		"linked_hadm":            len(raw["radiology"]),
		"unlinked_hadm_excluded": len(unlinked),
	}

	if e.cfg.Extraction.IncludeICUStays {
		if raw["icustays"], err = get("icustays", db.ICUStays); err != nil {
			return nil, wrap(err)
		}
	}

	// Order, cap, then label.  EIDs are assigned after truncation so the
	// numbering matches what the prompt shows.
	final := make(map[string][]pkg.Row, len(sections))
	truncation := make(map[string]pkg.SectionStats, len(sections))
	limits := make(map[string]*int, len(sections))
	applied := false
	for _, s := range sections {
		rows := raw[s.key]
		sortRows(rows, s.naturalKey())
		limit, capped := e.cfg.Truncation.Cap(s.key)
		strategy := config.StrategyEarliest
		if s.key == secLabs.key {
			strategy = e.cfg.Truncation.Strategy
		}
		kept, stats := capRows(rows, limit, capped, strategy, s.naturalKey())
		truncation[s.key] = stats
		limits[s.key] = stats.Cap
		applied = applied || stats.Truncated
		final[s.key] = attachEIDs(kept, s, admitDt)
		if stats.Truncated {
			e.log.Info().
				Int64("subject_id", sid).
				Int64("hadm_id", hid).
				Str("section", s.key).
				Int("original", stats.OriginalCount).
				Int("retained", stats.RetainedCount).
				Msg("section truncated")
		}
	}

	packet := e.buildPacket(ref, adm, patient, admitDt, final, truncation, exceptions)
	hash, err := pkg.HashPacket(packet)
	if err != nil {
		return nil, apperrors.NewDataSourceError("encode packet", err).WithAdmission(sid, hid)
	}
	packet.Stats.SHA256 = hash

	manifest := &pkg.InputDataManifest{
		SchemaVersion:        e.cfg.Benchmark.ManifestSchemaVersion,
		BenchmarkVersion:     e.cfg.Benchmark.Version,
		DatasetVersions:      packet.DatasetVersions,
		IDs:                  packet.IDs,
		ExtractedAt:          e.now().UTC().Truncate(time.Second),
		TablesUsed:           tablesUsed(q, truncation),
		NullHandlingPolicies: e.nullHandling(),
		PolicyCaptureCounts:  capture,
		Truncation: pkg.TruncationReport{
			Applied:          applied,
			RulesetID:        e.cfg.Truncation.RulesetID,
			Strategy:         e.cfg.Truncation.Strategy,
			PerSectionLimits: limits,
			PerSection:       truncation,
		},
		PolicyExceptions:  packet.PolicyExceptions,
		UnlinkedNoteCount: len(unlinked),
		PacketSHA256:      hash,
		PacketEIDCount:    countEIDs(final),
	}

	e.log.Debug().
		Int64("subject_id", sid).
		Int64("hadm_id", hid).
		Str("packet_sha256", hash).
		Bool("truncated", applied).
		Msg("packet extracted")
	return &Result{Ref: ref, Packet: packet, Manifest: manifest, UnlinkedNote: unlinked}, nil
}

// details fetches detail rows for the given parents.
func (e *Extractor) details(ctx context.Context, q queryLog, label string, t db.Table, subjectID int64, parentCol string, parents []pkg.Row) ([]pkg.Row, error) {
	ids := distinctValues(parents, parentCol)
	rows, err := e.src.ByParents(ctx, t, subjectID, parentCol, ids)
	return q.record(label, rows), err
}

func distinctValues(rows []pkg.Row, col string) []any {
	seen := map[string]bool{}
	var out []any
	for _, r := range rows {
		v := r[col]
		if v == nil {
			continue
		}
		k := fmt.Sprint(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareValues(out[i], out[j]) < 0 })
	return out
}

// enrichLabs copies label, fluid and category from d_labitems onto each lab.
func (e *Extractor) enrichLabs(ctx context.Context, q queryLog, labs []pkg.Row) error {
	items, err := e.src.Dictionary(ctx, db.DLabItems, "itemid", distinctValues(labs, "itemid"))
	if err != nil {
		return err
	}
	q.record("lab_items", items)
	byID := make(map[string]pkg.Row, len(items))
	for _, it := range items {
		byID[it.Str("itemid")] = it
	}
	for _, r := range labs {
		it := byID[r.Str("itemid")]
		for _, c := range []string{"label", "fluid", "category"} {
			if it != nil {
				r[c] = it[c]
			} else {
				r[c] = nil
			}
		}
	}
	return nil
}

// enrichICD copies long_title from an ICD dictionary, matched on code and
// version.
func (e *Extractor) enrichICD(ctx context.Context, dict db.Table, rows []pkg.Row) error {
	entries, err := e.src.Dictionary(ctx, dict, "icd_code", distinctValues(rows, "icd_code"))
	if err != nil {
		return err
	}
	titles := make(map[string]any, len(entries))
	for _, d := range entries {
		titles[d.Str("icd_code")+"|"+d.Str("icd_version")] = d["long_title"]
	}
	for _, r := range rows {
		r["long_title"] = titles[r.Str("icd_code")+"|"+r.Str("icd_version")]
	}
	return nil
}

// flagUnlinked marks each unlinked note with whether it was charted inside
// the stay.
func flagUnlinked(rows []pkg.Row, stay window) []pkg.Row {
	sortRows(rows, secRadiology.naturalKey())
	out := make([]pkg.Row, 0, len(rows))
	for _, r := range rows {
		c := make(pkg.Row, len(r)+1)
		for k, v := range r {
			c[k] = v
		}
		c["within_admission_window"] = inWindow(r, stay, "charttime")
		out = append(out, c)
	}
	return out
}

// minutesSince floors the distance from start to the event in minutes.
func minutesSince(start time.Time, v any) any {
	t, ok := db.ParseTimestamp(v)
	if !ok {
		return nil
	}
	return int64(math.Floor(t.Sub(start).Minutes()))
}

// attachEIDs labels retained rows with evidence ids and relative times and
// drops the identifiers already carried by the packet.
func attachEIDs(rows []pkg.Row, s section, admit time.Time) []pkg.Row {
	out := make([]pkg.Row, 0, len(rows))
	for i, r := range rows {
		n := make(pkg.Row, len(r)+1+len(s.timeFields))
		for k, v := range r {
			if k == "subject_id" || (!s.detail && k == "hadm_id") {
				continue
			}
			n[k] = v
		}
		n["eid"] = fmt.Sprintf("%s#%06d", s.prefix, i+1)
		for _, tf := range s.timeFields {
			var rel any
			for _, src := range tf.sources {
				if rel = minutesSince(admit, r[src]); rel != nil {
					break
				}
			}
			n[tf.out] = rel
		}
		out = append(out, n)
	}
	return out
}

func countEIDs(final map[string][]pkg.Row) int {
	n := 2 // patient and admission
	for _, rows := range final {
		n += len(rows)
	}
	return n
}

func (e *Extractor) nullHandling() map[string]string {
	lab, micro := "PROXIMAL_TIME_JOIN", "PROXIMAL_TIME_JOIN"
	if !e.cfg.Extraction.ProximalLabCapture {
		lab = "EXCLUDE"
	}
	if !e.cfg.Extraction.ProximalMicroCapture {
		micro = "EXCLUDE"
	}
	emar := "LINK_VIA_PHARMACY_OR_POE"
	if e.cfg.Extraction.EMARTimeWindowFallback {
		emar = "LINK_VIA_PHARMACY_OR_TIME_WINDOW"
	}
	return map[string]string{
		"labevents_hadm_id_null":          lab,
		"microbiologyevents_hadm_id_null": micro,
		"emar_hadm_id_null":               emar,
		"radiology_hadm_id_null":          "LOG_AND_EXCLUDE_BY_DEFAULT",
	}
}

func tablesUsed(q queryLog, truncation map[string]pkg.SectionStats) []pkg.TableUsage {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []pkg.TableUsage{{Table: "hosp.admissions+hosp.patients", SectionKey: "admission_patient", RowCount: 1}}
	for _, k := range keys {
		name, ok := tableNames[k]
		if !ok {
			name = k
		}
		u := pkg.TableUsage{Table: name, SectionKey: k, RowCount: q[k]}
		if st, ok := truncation[k]; ok {
			retained, truncated := st.RetainedCount, st.Truncated
			u.RetainedCount = &retained
			u.Truncated = &truncated
		}
		out = append(out, u)
	}
	return out
}

func nonNil(rows []pkg.Row) []pkg.Row {
	if rows == nil {
		return []pkg.Row{}
	}
	return rows
}

func (e *Extractor) buildPacket(ref pkg.AdmissionRef, adm, patient pkg.Row, admit time.Time, final map[string][]pkg.Row, truncation map[string]pkg.SectionStats, exceptions []string) *pkg.Packet {
	pick := func(src pkg.Row, eid string, keys ...string) pkg.Row {
		r := pkg.Row{"eid": eid}
		for _, k := range keys {
			r[k] = src[k]
		}
		return r
	}
	rowCounts := make(map[string]int, len(sections))
	for _, s := range sections {
		rowCounts[s.key] = len(final[s.key])
	}
	if exceptions == nil {
		exceptions = []string{}
	}
	dischtime, _ := adm["dischtime"].(string)

	return &pkg.Packet{
		PacketSchemaVersion: e.cfg.Benchmark.PacketSchemaVersion,
		BenchmarkVersion:    e.cfg.Benchmark.Version,
		DatasetVersions: pkg.DatasetVersions{
			MimicIV:     e.cfg.Dataset.MimicIV,
			MimicIVNote: e.cfg.Dataset.MimicIVNote,
		},
		IDs: ref.Key(),
		TimeBasis: pkg.TimeBasis{
			AdmitTime:        db.FormatTimestamp(admit),
			DischTime:        dischtime,
			Timezone:         "DEIDENTIFIED/UNKNOWN",
			RelativeTimeUnit: "minutes_since_admit",
		},
		Patient: pick(patient, "PT#000001", "gender", "anchor_age", "anchor_year", "anchor_year_group", "dod"),
		Admission: pick(adm, "ADM#000001",
			"deathtime", "admission_type", "admit_provider_id", "admission_location",
			"discharge_location", "insurance", "language", "marital_status", "race",
			"edregtime", "edouttime", "hospital_expire_flag"),
		LocationTimeline: pkg.LocationTimeline{
			Transfers: nonNil(final["transfers"]),
			Services:  nonNil(final["services"]),
		},
		Notes: pkg.PacketNotes{
			Discharge:       nonNil(final["discharge"]),
			DischargeDetail: nonNil(final["discharge_detail"]),
			Radiology:       nonNil(final["radiology"]),
			RadiologyDetail: nonNil(final["radiology_detail"]),
		},
		Labs:         nonNil(final["labs"]),
		Microbiology: nonNil(final["microbiology"]),
		Orders: pkg.PacketOrders{
			POE:           nonNil(final["poe"]),
			POEDetail:     nonNil(final["poe_detail"]),
			Prescriptions: nonNil(final["prescriptions"]),
			Pharmacy:      nonNil(final["pharmacy"]),
			EMAR:          nonNil(final["emar"]),
			EMARDetail:    nonNil(final["emar_detail"]),
		},
		Billing: pkg.PacketBilling{
			DiagnosesICD:  nonNil(final["diagnoses_icd"]),
			ProceduresICD: nonNil(final["procedures_icd"]),
			DRGCodes:      nonNil(final["drgcodes"]),
		},
		ICU: pkg.PacketICU{
			HasICUStay: len(final["icustays"]) > 0,
			ICUStays:   nonNil(final["icustays"]),
		},
		PolicyExceptions: exceptions,
		Stats: pkg.PacketStats{
			RowCounts:  rowCounts,
			Truncation: truncation,
		},
	}
}
