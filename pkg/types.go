package pkg

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one normalized clinical event record.  Timestamps are rendered as
// "YYYY-MM-DDTHH:MM:SS" strings and byte slices as strings, so the JSON
// encoding of a Row is stable (encoding/json sorts map keys).
type Row map[string]any

// Int64 returns the integer value of a column.  Integral floats and numeric
// strings are accepted; NULL and anything else report false.
func (r Row) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Str returns the column rendered as a string, or "" for NULL.
func (r Row) Str(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// AdmissionKey identifies a single admission.
type AdmissionKey struct {
	SubjectID int64 `json:"subject_id"`
	HadmID    int64 `json:"hadm_id"`
}

// AdmissionRef is an admission as listed for a subject, before extraction.
type AdmissionRef struct {
	SubjectID          int64  `json:"subject_id"`
	HadmID             int64  `json:"hadm_id"`
	AdmitTime          string `json:"admittime"`
	DischTime          string `json:"dischtime,omitempty"`
	DischargeNoteCount int    `json:"discharge_note_count"`
}

// Key returns the admission key of the reference.
func (a AdmissionRef) Key() AdmissionKey {
	return AdmissionKey{SubjectID: a.SubjectID, HadmID: a.HadmID}
}

// ExcludedAdmission records an admission skipped by an extraction policy.
type ExcludedAdmission struct {
	HadmID int64  `json:"hadm_id"`
	Reason string `json:"reason"`
}

// DatasetVersions pins the source dataset releases.
type DatasetVersions struct {
	MimicIV     string `json:"mimiciv" mapstructure:"mimiciv"`
	MimicIVNote string `json:"mimiciv_note" mapstructure:"mimiciv_note"`
}

// Policy exception markers recorded in a packet.
const (
	ExceptionDischargeNoteMissing = "discharge_note_missing"
)

// SectionStats records how many rows a category had before and after capping.
type SectionStats struct {
	OriginalCount int  `json:"original_count"`
	RetainedCount int  `json:"retained_count"`
	Cap           *int `json:"cap"`
	Truncated     bool `json:"truncated"`
}

// TimeBasis anchors relative times in the packet.
type TimeBasis struct {
	AdmitTime        string `json:"admittime"`
	DischTime        string `json:"dischtime"`
	Timezone         string `json:"timezone"`
	RelativeTimeUnit string `json:"relative_time_unit"`
}

// LocationTimeline groups transfer and service rows.
type LocationTimeline struct {
	Transfers []Row `json:"transfers"`
	Services  []Row `json:"services"`
}

// PacketNotes groups free-text notes linked to the admission.
type PacketNotes struct {
	Discharge       []Row `json:"discharge"`
	DischargeDetail []Row `json:"discharge_detail"`
	Radiology       []Row `json:"radiology"`
	RadiologyDetail []Row `json:"radiology_detail"`
}

// PacketOrders groups order entry, prescriptions, pharmacy and eMAR rows.
type PacketOrders struct {
	POE           []Row `json:"poe"`
	POEDetail     []Row `json:"poe_detail"`
	Prescriptions []Row `json:"prescriptions"`
	Pharmacy      []Row `json:"pharmacy"`
	EMAR          []Row `json:"emar"`
	EMARDetail    []Row `json:"emar_detail"`
}

// PacketBilling groups coded diagnoses, procedures and DRGs.
type PacketBilling struct {
	DiagnosesICD  []Row `json:"diagnoses_icd"`
	ProceduresICD []Row `json:"procedures_icd"`
	DRGCodes      []Row `json:"drgcodes"`
}

// PacketICU groups ICU stays.
type PacketICU struct {
	HasICUStay bool  `json:"has_icu_stay"`
	ICUStays   []Row `json:"icustays"`
}

// PacketStats carries row counts, truncation facts and the packet hash.
type PacketStats struct {
	RowCounts  map[string]int          `json:"row_counts"`
	Truncation map[string]SectionStats `json:"truncation"`
	SHA256     string                  `json:"sha256_canonical_packet"`
}

// Packet is the bounded, deterministic per-admission snapshot used to build a
// prompt.  It is never mutated after extraction.
type Packet struct {
	PacketSchemaVersion string           `json:"packet_schema_version"`
	BenchmarkVersion    string           `json:"benchmark_version"`
	DatasetVersions     DatasetVersions  `json:"dataset_versions"`
	IDs                 AdmissionKey     `json:"ids"`
	TimeBasis           TimeBasis        `json:"time_basis"`
	Patient             Row              `json:"patient"`
	Admission           Row              `json:"admission"`
	LocationTimeline    LocationTimeline `json:"location_timeline"`
	Notes               PacketNotes      `json:"notes"`
	Labs                []Row            `json:"labs"`
	Microbiology        []Row            `json:"microbiology"`
	Orders              PacketOrders     `json:"orders"`
	Billing             PacketBilling    `json:"billing"`
	ICU                 PacketICU        `json:"icu"`
	PolicyExceptions    []string         `json:"policy_exceptions"`
	Stats               PacketStats      `json:"packet_stats"`
}

// HasException reports whether the packet records the given policy exception.
func (p *Packet) HasException(name string) bool {
	for _, e := range p.PolicyExceptions {
		if e == name {
			return true
		}
	}
	return false
}

// TableUsage describes one query issued while building a packet.
type TableUsage struct {
	Table         string `json:"table"`
	SectionKey    string `json:"section_key"`
	RowCount      int    `json:"row_count"`
	RetainedCount *int   `json:"row_count_retained,omitempty"`
	Truncated     *bool  `json:"truncated,omitempty"`
}

// TruncationReport is the truncation block of the input data manifest.
type TruncationReport struct {
	Applied          bool                    `json:"applied"`
	RulesetID        string                  `json:"ruleset_id"`
	Strategy         string                  `json:"strategy"`
	PerSectionLimits map[string]*int         `json:"per_section_limits"`
	PerSection       map[string]SectionStats `json:"per_section_counts"`
}

// InputDataManifest records what was included, truncated and excluded for an
// admission, and why.
type InputDataManifest struct {
	SchemaVersion        string                    `json:"schema_version"`
	BenchmarkVersion     string                    `json:"benchmark_version"`
	DatasetVersions      DatasetVersions           `json:"dataset_versions"`
	IDs                  AdmissionKey              `json:"ids"`
	ExtractedAt          time.Time                 `json:"extraction_timestamp_utc"`
	TablesUsed           []TableUsage              `json:"tables_used"`
	NullHandlingPolicies map[string]string         `json:"null_handling_policies"`
	PolicyCaptureCounts  map[string]map[string]int `json:"policy_capture_counts"`
	Truncation           TruncationReport          `json:"truncation"`
	PolicyExceptions     []string                  `json:"policy_exceptions"`
	UnlinkedNoteCount    int                       `json:"unlinked_note_count"`
	PacketSHA256         string                    `json:"packet_sha256"`
	PacketEIDCount       int                       `json:"packet_eid_count"`
}

// PromptHashes fingerprints the inputs of a prompt.
type PromptHashes struct {
	PacketSHA256 string `json:"packet_sha256"`
	SystemSHA256 string `json:"system_sha256"`
	UserSHA256   string `json:"user_sha256"`
}

// PromptPolicy records the policy parameters a prompt was rendered under.
type PromptPolicy struct {
	DischargeNoteRequired bool     `json:"discharge_note_required"`
	DischargeNoteCount    int      `json:"discharge_note_count"`
	TruncatedSections     []string `json:"truncated_sections"`
	PolicyExceptions      []string `json:"policy_exceptions"`
}

// PromptRecord is the deterministic rendering of a packet.
type PromptRecord struct {
	SchemaVersion           string            `json:"schema_version"`
	TemplateVersion         string            `json:"prompt_template_version"`
	IDs                     AdmissionKey      `json:"ids"`
	PacketPath              string            `json:"packet_path"`
	PreviousSummaryIncluded bool              `json:"previous_summary_included"`
	SystemMessage           string            `json:"system_message"`
	UserMessage             string            `json:"user_message"`
	Delimiters              map[string]string `json:"delimiters"`
	Policy                  PromptPolicy      `json:"policy"`
	Hashes                  PromptHashes      `json:"hashes"`
}

// Speaker is the author of a conversation turn.
type Speaker string

const (
	SpeakerPatient   Speaker = "PATIENT"
	SpeakerAttending Speaker = "ATTENDING"
	SpeakerResident  Speaker = "RESIDENT"
	SpeakerNurse     Speaker = "NURSE"
	SpeakerConsult   Speaker = "CONSULT"
)

// Turn is one validated conversation turn.
type Turn struct {
	TurnID       int      `json:"turn_id"`
	Speaker      Speaker  `json:"speaker"`
	RelativeTime string   `json:"relative_time"`
	Text         string   `json:"text"`
	EvidenceEIDs []string `json:"evidence_eids"`
}

// Problem is one entry of the end-of-admission problem list.
type Problem struct {
	Problem           string   `json:"problem"`
	StatusAtDischarge string   `json:"status_at_discharge"`
	SupportingEIDs    []string `json:"supporting_eids"`
}

// TestResult is one key test and its result.
type TestResult struct {
	Test           string   `json:"test"`
	Result         string   `json:"result"`
	RelativeTime   string   `json:"relative_time"`
	SupportingEIDs []string `json:"supporting_eids"`
}

// Treatment is one treatment or medication given during the stay.
type Treatment struct {
	TreatmentOrMed string   `json:"treatment_or_med"`
	Details        string   `json:"details"`
	SupportingEIDs []string `json:"supporting_eids"`
}

// Disposition is where the patient went at discharge.
type Disposition struct {
	DischargeLocation string   `json:"discharge_location"`
	SupportingEIDs    []string `json:"supporting_eids"`
}

// AdmissionSummary is the model's end-of-admission summary.
type AdmissionSummary struct {
	RelativeDischargeTime string       `json:"relative_discharge_time"`
	OneParagraphSummary   string       `json:"one_paragraph_summary"`
	ProblemList           []Problem    `json:"problem_list"`
	KeyTestsAndResults    []TestResult `json:"key_tests_and_results"`
	TreatmentsAndMeds     []Treatment  `json:"treatments_and_meds"`
	Disposition           Disposition  `json:"disposition"`
}

// Conversation is an accepted, validated transcript.  Only the schema
// validator constructs one.
type Conversation struct {
	Turns   []Turn           `json:"conversation"`
	Summary AdmissionSummary `json:"end_of_admission_summary"`
}

// Status is the terminal outcome of an admission's generation attempt.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusFailed   Status = "failed"
)

// AttemptKind says how an attempt's request was built.
type AttemptKind string

const (
	AttemptInitial AttemptKind = "initial"
	AttemptRepair  AttemptKind = "repair"
	AttemptRetry   AttemptKind = "retry"
)

// AttemptOutcome is the result of one model attempt.
type AttemptOutcome string

const (
	OutcomeOK               AttemptOutcome = "ok"
	OutcomeValidationFailed AttemptOutcome = "validation_failed"
	OutcomeTransportError   AttemptOutcome = "transport_error"
)

// ModelAttempt is one entry of the append-only attempt log.
type ModelAttempt struct {
	AttemptIndex   int             `json:"attempt_index"`
	Kind           AttemptKind     `json:"kind"`
	Outcome        AttemptOutcome  `json:"outcome"`
	StartedAt      time.Time       `json:"started_at"`
	LatencyMS      int64           `json:"latency_ms"`
	SystemSHA256   string          `json:"system_sha256"`
	UserSHA256     string          `json:"user_sha256"`
	RepairFeedback string          `json:"repair_feedback,omitempty"`
	ResponseText   string          `json:"response_text,omitempty"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	InputTokens    int             `json:"input_tokens,omitempty"`
	OutputTokens   int             `json:"output_tokens,omitempty"`
	Violations     []string        `json:"violations,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ModelInfo identifies the model used for an admission.
type ModelInfo struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// ModelParams are the request parameters shared by all attempts.
type ModelParams struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Seed            *int    `json:"seed"`
	RetryLimit      int     `json:"retry_limit"`
	TimeoutSeconds  float64 `json:"timeout_seconds"`
}

// ModelCallRecord is the full attempt history for one admission.
type ModelCallRecord struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	IDs           AdmissionKey   `json:"ids"`
	Model         ModelInfo      `json:"model"`
	Params        ModelParams    `json:"params"`
	Attempts      []ModelAttempt `json:"attempts"`
	FinalStatus   Status         `json:"final_status"`
}

// Summary holds derived statistics about a generation attempt.
type Summary struct {
	SchemaVersion         string            `json:"schema_version"`
	IDs                   AdmissionKey      `json:"ids"`
	Status                Status            `json:"status"`
	AttemptCount          int               `json:"attempt_count"`
	TransportFailures     int               `json:"transport_failures"`
	ValidationFailures    int               `json:"validation_failures"`
	TurnCount             int               `json:"turn_count"`
	TurnsBySpeaker        map[Speaker]int   `json:"turns_by_speaker"`
	TokenEstimate         int               `json:"token_estimate"`
	CharCount             int               `json:"char_count"`
	StartedAt             time.Time         `json:"started_at"`
	FinishedAt            time.Time         `json:"finished_at"`
	DurationMS            int64             `json:"duration_ms"`
	ModelLatencyMS        int64             `json:"model_latency_ms"`
	InputTokens           int               `json:"input_tokens"`
	OutputTokens          int               `json:"output_tokens"`
	PacketSHA256          string            `json:"packet_sha256"`
	FinalViolations       []string          `json:"final_violations,omitempty"`
	EndOfAdmissionSummary *AdmissionSummary `json:"end_of_admission_summary,omitempty"`
}

// ConversationDetail is one row of the full-metadata conversation view.
type ConversationDetail struct {
	SubjectID int64 `json:"subject_id"`
	HadmID    int64 `json:"hadm_id"`
	Turn
}

// SpeakerText is a turn stripped to speaker and text.
type SpeakerText struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// ConversationOnly is the speaker+text view of one admission.
type ConversationOnly struct {
	HadmID       int64         `json:"hadm_id"`
	Conversation []SpeakerText `json:"conversation"`
}

// ManifestAdmission is one admission entry in the patient manifest.
type ManifestAdmission struct {
	HadmID             int64             `json:"hadm_id"`
	AdmitTime          string            `json:"admittime"`
	DischTime          string            `json:"dischtime,omitempty"`
	DischargeNoteCount int               `json:"discharge_note_count"`
	Status             Status            `json:"status"`
	AttemptCount       int               `json:"attempt_count"`
	ConversationTurns  int               `json:"conversation_turns,omitempty"`
	PacketSHA256       string            `json:"packet_sha256"`
	PolicyExceptions   []string          `json:"policy_exceptions,omitempty"`
	FinalViolations    []string          `json:"final_violations,omitempty"`
	Paths              map[string]string `json:"paths"`
}

// SubjectRef identifies a patient.
type SubjectRef struct {
	SubjectID int64 `json:"subject_id"`
}

// PatientManifest rolls up every admission processed for a subject.
type PatientManifest struct {
	SchemaVersion      string              `json:"schema_version"`
	BenchmarkName      string              `json:"benchmark_name"`
	BenchmarkVersion   string              `json:"benchmark_version"`
	RunID              string              `json:"run_id"`
	GeneratedAt        time.Time           `json:"generated_at_utc"`
	IDs                SubjectRef          `json:"ids"`
	Paths              map[string]string   `json:"paths"`
	DatasetVersions    DatasetVersions     `json:"dataset_versions"`
	ConfigSnapshot     map[string]any      `json:"config_snapshot"`
	Admissions         []ManifestAdmission `json:"admissions"`
	ExcludedAdmissions []ExcludedAdmission `json:"excluded_admissions"`
}

// CohortEntry is one row of the cohort CSV.
type CohortEntry struct {
	SubjectID   int64 `json:"subject_id"`
	NAdmissions int   `json:"n_admissions"`
}

// RawModelOutput is the final attempt's response as the model returned it.
type RawModelOutput struct {
	ResponseText string          `json:"response_text"`
	RawResponse  json.RawMessage `json:"raw_response"`
}

// UnlinkedNotes is the sidecar of the subject's radiology notes that carry no
// admission id.
type UnlinkedNotes struct {
	RadiologyNotes []Row `json:"radiology_notes"`
}
