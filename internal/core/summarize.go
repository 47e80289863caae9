package core

import (
	"time"

	"medbench/pkg"
)

// Summarize derives the Summary of one admission from its attempt history
// and, when accepted, its conversation.  startedAt and finishedAt bound the
// whole admission, extraction included.
func Summarize(schemaVersion string, packetSHA string, out *Outcome, startedAt, finishedAt time.Time) *pkg.Summary {
	rec := out.Record
	s := &pkg.Summary{
		SchemaVersion:   schemaVersion,
		IDs:             rec.IDs,
		Status:          out.Status,
		AttemptCount:    len(rec.Attempts),
		TurnsBySpeaker:  map[pkg.Speaker]int{},
		StartedAt:       startedAt.UTC(),
		FinishedAt:      finishedAt.UTC(),
		DurationMS:      finishedAt.Sub(startedAt).Milliseconds(),
		PacketSHA256:    packetSHA,
		FinalViolations: out.FinalViolations,
	}
	for _, a := range rec.Attempts {
		switch a.Outcome {
		case pkg.OutcomeTransportError:
			s.TransportFailures++
		case pkg.OutcomeValidationFailed:
			s.ValidationFailures++
		}
		s.ModelLatencyMS += a.LatencyMS
		s.InputTokens += a.InputTokens
		s.OutputTokens += a.OutputTokens
	}

	if c := out.Conversation; c != nil {
		s.TurnCount = len(c.Turns)
		for _, t := range c.Turns {
			s.TurnsBySpeaker[t.Speaker]++
			s.CharCount += len([]rune(t.Text))
		}
		s.TokenEstimate = EstimateTokens(s.CharCount)
		summary := c.Summary
		s.EndOfAdmissionSummary = &summary
	}
	return s
}
