// Package artifact persists benchmark output under the output root.
package artifact

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Admission file names.
const (
	PacketFile            = "packet.json"
	InputDataManifestFile = "input_data_manifest.json"
	PromptRecordFile      = "prompt_record.json"
	ModelCallRecordFile   = "model_call_record.json"
	RawModelOutputFile    = "raw_model_output.json"
	ConversationFile      = "conversation.jsonl"
	SummaryFile           = "summary.json"
	UnlinkedNotesFile     = "unlinked_notes.json"
)

// Patient file names.
const (
	PatientManifestFile     = "patient_manifest.json"
	ConversationDetailsFile = "conversation_details.jsonl"
	ConversationOnlyFile    = "conversation_only.json"
)

// Layout maps subjects and admissions to paths under Root.
type Layout struct {
	Root string
}

// PatientDir is the subject's output directory.
func (l Layout) PatientDir(subjectID int64) string {
	return filepath.Join(l.Root, strconv.FormatInt(subjectID, 10))
}

// AdmissionsDir holds one directory per committed admission.
func (l Layout) AdmissionsDir(subjectID int64) string {
	return filepath.Join(l.PatientDir(subjectID), "admissions")
}

// AdmissionDir is the committed directory of one admission.
func (l Layout) AdmissionDir(subjectID, hadmID int64) string {
	return filepath.Join(l.AdmissionsDir(subjectID), strconv.FormatInt(hadmID, 10))
}

// tempAdmissionDir is where an admission is assembled before it is renamed
// into place.
func (l Layout) tempAdmissionDir(subjectID, hadmID int64) string {
	return filepath.Join(l.AdmissionsDir(subjectID), ".tmp-"+strconv.FormatInt(hadmID, 10))
}

// StagingDir holds the attempts of an admission that is still being generated.
func (l Layout) StagingDir(subjectID, hadmID int64) string {
	return filepath.Join(l.PatientDir(subjectID), ".staging", strconv.FormatInt(hadmID, 10))
}

// AttemptPath is the staged record of one attempt, numbered from 1.
func (l Layout) AttemptPath(subjectID, hadmID int64, index int) string {
	return filepath.Join(l.StagingDir(subjectID, hadmID), fmt.Sprintf("attempt-%03d.json", index))
}

// PatientManifestPath is the subject's manifest.
func (l Layout) PatientManifestPath(subjectID int64) string {
	return filepath.Join(l.PatientDir(subjectID), PatientManifestFile)
}

// ConversationDetailsPath is the JSONL view with one accepted turn per line.
func (l Layout) ConversationDetailsPath(subjectID int64) string {
	return filepath.Join(l.PatientDir(subjectID), ConversationDetailsFile)
}

// ConversationOnlyPath is the speaker and text view grouped by admission.
func (l Layout) ConversationOnlyPath(subjectID int64) string {
	return filepath.Join(l.PatientDir(subjectID), ConversationOnlyFile)
}

// CohortPath is the cohort CSV for a top-N selection.
func (l Layout) CohortPath(limit int) string {
	return filepath.Join(l.Root, fmt.Sprintf("top%d_by_admission_count.csv", limit))
}

// AdmissionPaths lists the final paths of an admission's files, keyed by
// artifact name.
func (l Layout) AdmissionPaths(subjectID, hadmID int64) map[string]string {
	dir := l.AdmissionDir(subjectID, hadmID)
	return map[string]string{
		"admission_dir":       dir,
		"packet":              filepath.Join(dir, PacketFile),
		"input_data_manifest": filepath.Join(dir, InputDataManifestFile),
		"prompt_record":       filepath.Join(dir, PromptRecordFile),
		"model_call_record":   filepath.Join(dir, ModelCallRecordFile),
		"raw_model_output":    filepath.Join(dir, RawModelOutputFile),
		"conversation":        filepath.Join(dir, ConversationFile),
		"summary":             filepath.Join(dir, SummaryFile),
		"unlinked_notes":      filepath.Join(dir, UnlinkedNotesFile),
	}
}

// PatientPaths lists the patient-level paths.
func (l Layout) PatientPaths(subjectID int64) map[string]string {
	return map[string]string{
		"patient_dir":          l.PatientDir(subjectID),
		"patient_manifest":     l.PatientManifestPath(subjectID),
		"conversation_details": l.ConversationDetailsPath(subjectID),
		"conversation_only":    l.ConversationOnlyPath(subjectID),
	}
}
