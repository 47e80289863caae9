package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"medbench/internal/config"
	"medbench/internal/db"
	"medbench/pkg"
)

// CandidateKind tags a lifted model response.
type CandidateKind int

const (
	CandidateParsed CandidateKind = iota
	CandidateMalformed
)

// Candidate is raw model output lifted at the boundary: either a parsed JSON
// object or the reason it could not be parsed.
type Candidate struct {
	Kind   CandidateKind
	Value  map[string]any
	Reason string
}

// Lift parses raw model text.  A surrounding markdown code fence is removed
// first.
func Lift(raw string) Candidate {
	text := stripFence(raw)
	if text == "" {
		return Candidate{Kind: CandidateMalformed, Reason: "Invalid JSON: empty response"}
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Candidate{Kind: CandidateMalformed, Reason: "Invalid JSON: " + err.Error()}
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Candidate{Kind: CandidateMalformed, Reason: "Invalid JSON: trailing data after the top-level value"}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Candidate{Kind: CandidateMalformed, Reason: "Top-level response must be a JSON object."}
	}
	return Candidate{Kind: CandidateParsed, Value: obj}
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ValidationResult is the outcome of validating one candidate.  Conversation
// is set only when OK.  Warnings lists unknown evidence ids when strict
// evidence checking is off.
type ValidationResult struct {
	OK           bool
	Conversation *pkg.Conversation
	Violations   []string
	Warnings     []string
}

// Validator checks model output against the output contract.
type Validator struct {
	cfg config.ValidationConfig
}

// NewValidator constructs a Validator.
func NewValidator(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

var (
	allowedSpeakers = map[pkg.Speaker]bool{
		pkg.SpeakerPatient:   true,
		pkg.SpeakerAttending: true,
		pkg.SpeakerResident:  true,
		pkg.SpeakerNurse:     true,
		pkg.SpeakerConsult:   true,
	}

	hourOffset  = regexp.MustCompile(`^H([+-])(\d{1,4}):([0-5]\d)$`)
	hospitalDay = regexp.MustCompile(`^HospitalDay(\d{1,3}) ([01]\d|2[0-3]):([0-5]\d)$`)
	isoDate     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	slashDate   = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)

	topKeys     = []string{"conversation", "end_of_admission_summary"}
	turnKeys    = []string{"evidence_eids", "relative_time", "speaker", "text", "turn_id"}
	summaryKeys = []string{"disposition", "key_tests_and_results", "one_paragraph_summary", "problem_list", "relative_discharge_time", "treatments_and_meds"}
)

type violations []string

func (v *violations) addf(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

// keyMismatch reports extra and missing keys of obj against want (sorted).
func keyMismatch(obj map[string]any, want []string) (extra, missing []string) {
	wanted := make(map[string]bool, len(want))
	for _, k := range want {
		wanted[k] = true
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range obj {
		if !wanted[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra, missing
}

func checkKeys(v *violations, path string, obj map[string]any, want []string) {
	extra, missing := keyMismatch(obj, want)
	if len(extra) > 0 {
		v.addf("%s has unexpected keys: %v", path, extra)
	}
	if len(missing) > 0 {
		v.addf("%s is missing keys: %v", path, missing)
	}
}

func stringList(val any) ([]string, bool) {
	list, ok := val.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		s, ok := x.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Validate runs every check and collects all violations.
func (val *Validator) Validate(c Candidate, p *pkg.Packet) ValidationResult {
	if c.Kind == CandidateMalformed {
		return ValidationResult{Violations: []string{c.Reason}}
	}
	var v violations
	data := c.Value
	checkKeys(&v, "response", data, topKeys)

	aliases := map[string]string{}
	if eid, ok := p.Patient["eid"].(string); ok {
		aliases["patient"], aliases["pt"] = eid, eid
	}
	if eid, ok := p.Admission["eid"].(string); ok {
		aliases["admission"], aliases["adm"] = eid, eid
	}
	normalize := func(ids []string) []string {
		for i, id := range ids {
			if a, ok := aliases[strings.ToLower(strings.TrimSpace(id))]; ok {
				ids[i] = a
			}
		}
		return ids
	}

	turns := val.checkTurns(&v, data["conversation"], normalize, admitClock(p))
	summary := checkSummary(&v, data["end_of_admission_summary"], normalize)

	var warnings []string
	if turns != nil && summary != nil {
		unknown := unknownEvidence(turns, summary, packetEIDs(p))
		if val.cfg.StrictEvidence {
			v = append(v, unknown...)
		} else {
			warnings = unknown
		}
	}

	if len(v) > 0 {
		return ValidationResult{Violations: v, Warnings: warnings}
	}
	return ValidationResult{
		OK:           true,
		Conversation: &pkg.Conversation{Turns: turns, Summary: *summary},
		Warnings:     warnings,
	}
}

func (val *Validator) checkTurns(v *violations, raw any, normalize func([]string) []string, admit time.Time) []pkg.Turn {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		v.addf("conversation must be a non-empty list.")
		return nil
	}
	start := len(*v)
	turns := make([]pkg.Turn, 0, len(list))
	var prevMinutes *int
	var prevSpeaker pkg.Speaker
	hasPatient, hasClinician := false, false
	chars := 0

	for i, item := range list {
		idx := i + 1
		obj, ok := item.(map[string]any)
		if !ok {
			v.addf("conversation[%d] must be an object.", idx)
			continue
		}
		checkKeys(v, fmt.Sprintf("conversation[%d]", idx), obj, turnKeys)
		var t pkg.Turn

		if n, ok := obj["turn_id"].(json.Number); !ok || !isInt(n) {
			v.addf("conversation[%d].turn_id must be int.", idx)
		} else {
			id, _ := strconv.Atoi(n.String())
			if id != idx {
				v.addf("conversation[%d].turn_id must be sequential starting at 1 (expected %d).", idx, idx)
			}
			t.TurnID = id
		}

		if s, ok := obj["speaker"].(string); !ok || !allowedSpeakers[pkg.Speaker(s)] {
			v.addf("conversation[%d].speaker invalid: %v", idx, obj["speaker"])
		} else {
			t.Speaker = pkg.Speaker(s)
			if i > 0 && t.Speaker == prevSpeaker {
				v.addf("conversation[%d].speaker repeats the previous speaker %s.", idx, t.Speaker)
			}
			prevSpeaker = t.Speaker
			if t.Speaker == pkg.SpeakerPatient {
				hasPatient = true
			} else {
				hasClinician = true
			}
		}

		if s, ok := obj["relative_time"].(string); !ok {
			v.addf("conversation[%d].relative_time must be string.", idx)
		} else {
			t.RelativeTime = s
			m, ok := relativeMinutes(s, admit)
			switch {
			case !ok:
				v.addf("conversation[%d].relative_time %q is not H+HH:MM or HospitalDayN HH:MM.", idx, s)
			case prevMinutes != nil && m < *prevMinutes:
				v.addf("conversation[%d].relative_time %q is earlier than the previous turn.", idx, s)
			default:
				prevMinutes = &m
			}
		}

		if s, ok := obj["text"].(string); !ok {
			v.addf("conversation[%d].text must be string.", idx)
		} else {
			t.Text = s
			chars += len([]rune(s))
			if strings.TrimSpace(s) == "" {
				v.addf("conversation[%d].text must not be empty.", idx)
			}
			if isoDate.MatchString(s) || slashDate.MatchString(s) {
				v.addf("conversation[%d].text mentions a calendar date.", idx)
			}
		}

		if ids, ok := stringList(obj["evidence_eids"]); !ok {
			v.addf("conversation[%d].evidence_eids must be list[str].", idx)
		} else {
			t.EvidenceEIDs = normalize(ids)
		}
		turns = append(turns, t)
	}

	if !hasPatient {
		v.addf("conversation must include at least one PATIENT turn.")
	}
	if !hasClinician {
		v.addf("conversation must include at least one clinician turn.")
	}
	if n := len(list); n < val.cfg.MinTurns || n > val.cfg.MaxTurns {
		v.addf("conversation has %d turns; allowed range is [%d, %d].", n, val.cfg.MinTurns, val.cfg.MaxTurns)
	}
	if est := EstimateTokens(chars); est > val.cfg.MaxConversationTokens {
		v.addf("conversation is about %d tokens; the limit is %d.", est, val.cfg.MaxConversationTokens)
	}
	if len(*v) > start {
		return nil
	}
	return turns
}

// EstimateTokens approximates the token count of n characters.
func EstimateTokens(chars int) int {
	return int(math.Ceil(float64(chars) / 4))
}

func isInt(n json.Number) bool {
	_, err := strconv.ParseInt(n.String(), 10, 64)
	return err == nil
}

func admitClock(p *pkg.Packet) time.Time {
	t, _ := db.ParseTimestamp(p.TimeBasis.AdmitTime)
	return t
}

// relativeMinutes converts a relative time marker to minutes since admit.
// HospitalDay1 is the calendar day of admission.
func relativeMinutes(s string, admit time.Time) (int, bool) {
	if m := hourOffset.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[2])
		mm, _ := strconv.Atoi(m[3])
		total := h*60 + mm
		if m[1] == "-" {
			total = -total
		}
		return total, true
	}
	if m := hospitalDay.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		if day < 1 {
			return 0, false
		}
		h, _ := strconv.Atoi(m[2])
		mm, _ := strconv.Atoi(m[3])
		sinceMidnight := admit.Hour()*60 + admit.Minute()
		return (day-1)*24*60 + h*60 + mm - sinceMidnight, true
	}
	return 0, false
}

func checkSummary(v *violations, raw any, normalize func([]string) []string) *pkg.AdmissionSummary {
	const path = "end_of_admission_summary"
	obj, ok := raw.(map[string]any)
	if !ok {
		v.addf("%s must be an object.", path)
		return nil
	}
	start := len(*v)
	checkKeys(v, path, obj, summaryKeys)
	var s pkg.AdmissionSummary

	str := func(o map[string]any, key, where string) string {
		x, ok := o[key].(string)
		if !ok {
			v.addf("%s.%s must be string.", where, key)
		}
		return x
	}
	eids := func(o map[string]any, where string) []string {
		ids, ok := stringList(o["supporting_eids"])
		if !ok {
			v.addf("%s.supporting_eids must be list[str].", where)
			return nil
		}
		return normalize(ids)
	}
	objList := func(key string, want []string, each func(o map[string]any, where string)) {
		where := path + "." + key
		list, ok := obj[key].([]any)
		if !ok {
			v.addf("%s must be a list.", where)
			return
		}
		for i, item := range list {
			w := fmt.Sprintf("%s[%d]", where, i+1)
			o, ok := item.(map[string]any)
			if !ok {
				v.addf("%s must be an object.", w)
				continue
			}
			checkKeys(v, w, o, want)
			each(o, w)
		}
	}

	s.RelativeDischargeTime = str(obj, "relative_discharge_time", path)
	s.OneParagraphSummary = str(obj, "one_paragraph_summary", path)
	s.ProblemList = []pkg.Problem{}
	objList("problem_list", []string{"problem", "status_at_discharge", "supporting_eids"}, func(o map[string]any, w string) {
		s.ProblemList = append(s.ProblemList, pkg.Problem{
			Problem:           str(o, "problem", w),
			StatusAtDischarge: str(o, "status_at_discharge", w),
			SupportingEIDs:    eids(o, w),
		})
	})
	s.KeyTestsAndResults = []pkg.TestResult{}
	objList("key_tests_and_results", []string{"relative_time", "result", "supporting_eids", "test"}, func(o map[string]any, w string) {
		s.KeyTestsAndResults = append(s.KeyTestsAndResults, pkg.TestResult{
			Test:           str(o, "test", w),
			Result:         str(o, "result", w),
			RelativeTime:   str(o, "relative_time", w),
			SupportingEIDs: eids(o, w),
		})
	})
	s.TreatmentsAndMeds = []pkg.Treatment{}
	objList("treatments_and_meds", []string{"details", "supporting_eids", "treatment_or_med"}, func(o map[string]any, w string) {
		s.TreatmentsAndMeds = append(s.TreatmentsAndMeds, pkg.Treatment{
			TreatmentOrMed: str(o, "treatment_or_med", w),
			Details:        str(o, "details", w),
			SupportingEIDs: eids(o, w),
		})
	})

	dw := path + ".disposition"
	if d, ok := obj["disposition"].(map[string]any); !ok {
		v.addf("%s must be an object.", dw)
	} else {
		checkKeys(v, dw, d, []string{"discharge_location", "supporting_eids"})
		s.Disposition = pkg.Disposition{
			DischargeLocation: str(d, "discharge_location", dw),
			SupportingEIDs:    eids(d, dw),
		}
	}

	if len(*v) > start {
		return nil
	}
	return &s
}

// packetEIDs collects every evidence id present in the packet.
func packetEIDs(p *pkg.Packet) map[string]bool {
	ids := map[string]bool{}
	add := func(rows ...pkg.Row) {
		for _, r := range rows {
			if eid, ok := r["eid"].(string); ok {
				ids[eid] = true
			}
		}
	}
	add(p.Patient, p.Admission)
	for _, rows := range [][]pkg.Row{
		p.LocationTimeline.Transfers, p.LocationTimeline.Services,
		p.Notes.Discharge, p.Notes.DischargeDetail, p.Notes.Radiology, p.Notes.RadiologyDetail,
		p.Labs, p.Microbiology,
		p.Orders.POE, p.Orders.POEDetail, p.Orders.Prescriptions, p.Orders.Pharmacy, p.Orders.EMAR, p.Orders.EMARDetail,
		p.Billing.DiagnosesICD, p.Billing.ProceduresICD, p.Billing.DRGCodes,
		p.ICU.ICUStays,
	} {
		add(rows...)
	}
	return ids
}

func unknownEvidence(turns []pkg.Turn, s *pkg.AdmissionSummary, known map[string]bool) []string {
	var out []string
	check := func(where string, ids []string) {
		for _, id := range ids {
			if !known[id] {
				out = append(out, fmt.Sprintf("%s references unknown EID: %s", where, id))
			}
		}
	}
	for i, t := range turns {
		check(fmt.Sprintf("conversation[%d]", i+1), t.EvidenceEIDs)
	}
	for i, x := range s.ProblemList {
		check(fmt.Sprintf("problem_list[%d]", i+1), x.SupportingEIDs)
	}
	for i, x := range s.KeyTestsAndResults {
		check(fmt.Sprintf("key_tests_and_results[%d]", i+1), x.SupportingEIDs)
	}
	for i, x := range s.TreatmentsAndMeds {
		check(fmt.Sprintf("treatments_and_meds[%d]", i+1), x.SupportingEIDs)
	}
	check("disposition", s.Disposition.SupportingEIDs)
	return out
}
