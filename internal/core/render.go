package core

import (
	"fmt"
	"sort"
	"strings"

	"medbench/internal/config"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// maxRenderedViolations bounds the violation list echoed in a repair prompt.
const maxRenderedViolations = 40

// Renderer turns packets into prompts.  Rendering does no I/O and depends
// only on the packet, the configuration and the optional previous summary.
type Renderer struct {
	cfg config.Config
}

// NewRenderer constructs a Renderer.
func NewRenderer(cfg config.Config) *Renderer {
	return &Renderer{cfg: cfg}
}

// Render builds the prompt record for a packet.  packetPath is recorded for
// provenance only.  previous is included only when carry-over is enabled.
func (r *Renderer) Render(p *pkg.Packet, packetPath string, previous *pkg.AdmissionSummary) (*pkg.PromptRecord, error) {
	key := p.IDs
	discharges := len(p.Notes.Discharge)
	if discharges == 0 && (r.cfg.Extraction.RequireDischargeNote || !p.HasException(pkg.ExceptionDischargeNoteMissing)) {
		return nil, apperrors.NewPromptPolicyError("packet has no discharge note and the policy requires one").
			WithAdmission(key.SubjectID, key.HadmID)
	}

	packetJSON, err := pkg.CanonicalJSON(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}

	truncated := truncatedSections(p)
	carry := r.cfg.Prompt.CarryPreviousSummary && previous != nil

	meta := []string{
		"benchmark_name: " + r.cfg.Benchmark.Name,
		"benchmark_version: " + r.cfg.Benchmark.Version,
		"packet_schema_version: " + r.cfg.Benchmark.PacketSchemaVersion,
		"prompt_template_version: " + r.cfg.Prompt.TemplateVersion,
		fmt.Sprintf("subject_id: %d", key.SubjectID),
		fmt.Sprintf("hadm_id: %d", key.HadmID),
	}

	var prev string
	if carry {
		b, err := pkg.CanonicalJSON(previous)
		if err != nil {
			return nil, fmt.Errorf("encode previous summary: %w", err)
		}
		prev = string(b)
	}

	parts := []string{delimiters["metadata"]}
	parts = append(parts, meta...)
	parts = append(parts, delimiters["metadata_end"], "", delimiters["disclosures"])
	parts = append(parts, r.disclosures(p, discharges, truncated)...)
	parts = append(parts,
		delimiters["disclosures_end"],
		"",
		delimiters["prev_summary"],
		prev,
		delimiters["prev_summary_end"],
		"",
		delimiters["ehr_json"],
		string(packetJSON),
		delimiters["ehr_json_end"],
		"",
		delimiters["task"],
		TaskBlock,
		delimiters["task_end"],
	)
	user := strings.Join(parts, "\n")

	exceptions := p.PolicyExceptions
	if exceptions == nil {
		exceptions = []string{}
	}
	return &pkg.PromptRecord{
		SchemaVersion:           r.cfg.Benchmark.ManifestSchemaVersion,
		TemplateVersion:         r.cfg.Prompt.TemplateVersion,
		IDs:                     key,
		PacketPath:              packetPath,
		PreviousSummaryIncluded: carry,
		SystemMessage:           SystemMessage,
		UserMessage:             user,
		Delimiters:              Delimiters(),
		Policy: pkg.PromptPolicy{
			DischargeNoteRequired: r.cfg.Extraction.RequireDischargeNote,
			DischargeNoteCount:    discharges,
			TruncatedSections:     truncated,
			PolicyExceptions:      exceptions,
		},
		Hashes: pkg.PromptHashes{
			PacketSHA256: p.Stats.SHA256,
			SystemSHA256: pkg.SHA256Hex([]byte(SystemMessage)),
			UserSHA256:   pkg.SHA256Hex([]byte(user)),
		},
	}, nil
}

func (r *Renderer) disclosures(p *pkg.Packet, discharges int, truncated []string) []string {
	var lines []string
	if discharges > 0 {
		lines = append(lines, fmt.Sprintf(DischargeMandate, discharges))
	} else {
		lines = append(lines, DischargeMissing)
	}
	if len(truncated) == 0 {
		return append(lines, "No section was truncated.")
	}
	strategy := r.cfg.Truncation.Strategy
	lines = append(lines, fmt.Sprintf("%s (ruleset %s, strategy %s: %s)", TruncationNotice, r.cfg.Truncation.RulesetID, strategy, truncationRules[strategy]))
	for _, s := range truncated {
		st := p.Stats.Truncation[s]
		lines = append(lines, fmt.Sprintf("- %s: retained %d of %d rows", s, st.RetainedCount, st.OriginalCount))
	}
	return lines
}

func truncatedSections(p *pkg.Packet) []string {
	out := []string{}
	for k, st := range p.Stats.Truncation {
		if st.Truncated {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// RepairMessage appends the repair block and the rendered violations to the
// original user message.
func RepairMessage(user string, violations []string) string {
	var b strings.Builder
	b.WriteString(user)
	b.WriteString("\n\n")
	b.WriteString(RepairBlock)
	b.WriteString("\n")
	b.WriteString(RenderViolations(violations))
	return b.String()
}

// RenderViolations lists violations one per line, in the order found.
func RenderViolations(violations []string) string {
	var b strings.Builder
	b.WriteString("Problems found in your previous response:")
	for i, v := range violations {
		if i == maxRenderedViolations {
			fmt.Fprintf(&b, "\n- ... and %d more", len(violations)-i)
			break
		}
		b.WriteString("\n- ")
		b.WriteString(v)
	}
	return b.String()
}
