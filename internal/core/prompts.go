package core

import "medbench/internal/config"

// prompts.go holds the fixed prompt text.  Changing any of it changes the
// rendered prompt hashes, so bump prompt.template_version with it.

const (
	// SystemMessage frames the model as the conversation simulator and lists
	// the rules every response must follow.
	SystemMessage = `You are simulating a realistic inpatient doctor–patient conversation for a single hospital admission.
You MUST follow these rules:

1) Use only the facts provided in the EHR packet. Do NOT invent diagnoses, symptoms, test results, medications, procedures, timelines, or outcomes.
2) Every clinically factual statement MUST be supported by an explicit evidence citation using the provided EIDs (e.g., "Evidence: [LAB#000123, RAD#000004]").
3) If the EHR packet does not contain a fact, say you do not know or that it is not documented.
4) Produce a chronological conversation spanning the full admission, from admission through discharge.
5) Use RELATIVE time only (e.g., "H+03:15", "HospitalDay2 09:40"). Do not mention calendar dates or years.
6) Discharge summaries are provided; treat them as post-hoc summaries that help you maintain coherence, but do not reveal discharge outcomes before they occur in the chronology.
7) Output must be valid JSON, conforming exactly to the output schema described in the user message. No extra keys.`

	// TaskBlock states the task, the evidence rules and the output schema.
	TaskBlock = `Generate a multi-turn inpatient conversation for this admission session.

Hard requirements:
- Discharge note text(s) from notes.discharge MUST influence the conversation and MUST be cited when used.
- The conversation must be medically and temporally coherent with the structured data (labs, orders, service changes, radiology).
- Use a mix of speakers typical for an inpatient stay: PATIENT, ATTENDING, RESIDENT, NURSE (optional), CONSULT (optional).
- Alternate speakers: never give two consecutive turns to the same speaker.
- Do not copy the discharge summary verbatim as dialogue. Use it to guide what happened.

Evidence rules:
- For each turn, include a list of EIDs supporting that turn’s medical content.
- If a turn contains only social talk (e.g., greeting), evidence may be [].

Output JSON schema (must match exactly):
{
  "conversation": [
    {
      "turn_id": integer (starts at 1),
      "speaker": "PATIENT" | "ATTENDING" | "RESIDENT" | "NURSE" | "CONSULT",
      "relative_time": string,
      "text": string,
      "evidence_eids": [string, ...]
    }
  ],
  "end_of_admission_summary": {
    "relative_discharge_time": string,
    "one_paragraph_summary": string,
    "problem_list": [
      {
        "problem": string,
        "status_at_discharge": string,
        "supporting_eids": [string, ...]
      }
    ],
    "key_tests_and_results": [
      {
        "test": string,
        "result": string,
        "relative_time": string,
        "supporting_eids": [string, ...]
      }
    ],
    "treatments_and_meds": [
      {
        "treatment_or_med": string,
        "details": string,
        "supporting_eids": [string, ...]
      }
    ],
    "disposition": {
      "discharge_location": string,
      "supporting_eids": [string, ...]
    }
  }
}`

	// RepairBlock is appended to the original prompt after a rejected response.
	RepairBlock = `<<REPAIR>>
Your previous response was invalid JSON or violated the required schema.
Return valid JSON exactly matching the schema. No prose, no markdown, no comments.
<<END_REPAIR>>`

	// DischargeMandate is disclosed when the packet carries discharge notes.
	DischargeMandate = "notes.discharge contains %d discharge note(s). They MUST shape the conversation and be cited by EID when used."

	// DischargeMissing is disclosed when the override admitted a packet without one.
	DischargeMissing = "This admission has no discharge note (policy exception: discharge_note_missing). Do not invent one; rely on the structured data only."

	// TruncationNotice introduces the list of capped sections.
	TruncationNotice = "Some sections were capped. Facts beyond the retained rows are not documented in this packet:"
)

// truncationRules says which rows each truncation strategy keeps.
var truncationRules = map[string]string{
	config.StrategyEarliest:      "the earliest rows were kept",
	config.StrategyAbnormalFirst: "abnormal-flagged rows were kept first, then the earliest rows",
}

// delimiters are the block markers of the user message.
var delimiters = map[string]string{
	"metadata":         "<<BENCHMARK_METADATA>>",
	"metadata_end":     "<<END_BENCHMARK_METADATA>>",
	"disclosures":      "<<DATA_DISCLOSURES>>",
	"disclosures_end":  "<<END_DATA_DISCLOSURES>>",
	"prev_summary":     "<<PREVIOUS_ADMISSION_SUMMARY>>",
	"prev_summary_end": "<<END_PREVIOUS_ADMISSION_SUMMARY>>",
	"ehr_json":         "<<EHR_PACKET_JSON>>",
	"ehr_json_end":     "<<END_EHR_PACKET_JSON>>",
	"task":             "<<TASK>>",
	"task_end":         "<<END_TASK>>",
}

// Delimiters returns a copy of the block markers keyed by name.
func Delimiters() map[string]string {
	out := make(map[string]string, len(delimiters))
	for k, v := range delimiters {
		out[k] = v
	}
	return out
}
