package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"medbench/internal/config"
	"medbench/internal/llm"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

const tracerName = "medbench/internal/core"

// state is a step of the generation loop.
type state int

const (
	stateRequesting state = iota
	stateValidating
	stateRepairing
	stateAccepted
	stateFailed
)

// AttemptHook observes each attempt as soon as it is recorded.  A hook error
// aborts the loop.
type AttemptHook func(pkg.ModelAttempt) error

// Outcome is the terminal result of the generation loop for one admission.
type Outcome struct {
	Status          pkg.Status
	Record          *pkg.ModelCallRecord
	Conversation    *pkg.Conversation
	FinalViolations []string
	Raw             pkg.RawModelOutput
}

// Driver runs the call, validate and repair loop against one model.
type Driver struct {
	client    llm.Client
	validator *Validator
	cfg       config.ModelConfig
	schema    string
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewDriver constructs a Driver.  schemaVersion stamps the model call records.
func NewDriver(client llm.Client, validator *Validator, cfg config.ModelConfig, schemaVersion string, log zerolog.Logger) *Driver {
	return &Driver{
		client:    client,
		validator: validator,
		cfg:       cfg,
		schema:    schemaVersion,
		log:       log.With().Str("component", "driver").Logger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// request is what the next attempt sends.
type request struct {
	kind     pkg.AttemptKind
	user     string
	feedback string
}

// Run drives the model until a response validates or retry_limit attempts
// are spent.  Transport failures resend the previous request unchanged;
// validation failures send the original prompt with a repair block.
// Cancellation of ctx stops the loop and is returned as an error; it is not
// counted as an attempt.
func (d *Driver) Run(ctx context.Context, runID string, p *pkg.Packet, prompt *pkg.PromptRecord, hook AttemptHook) (*Outcome, error) {
	key := p.IDs
	seed := d.cfg.Seed
	record := &pkg.ModelCallRecord{
		SchemaVersion: d.schema,
		RunID:         runID,
		IDs:           key,
		Model:         pkg.ModelInfo{Provider: d.client.Provider(), Name: d.cfg.Name},
		Params: pkg.ModelParams{
			Temperature:     float32(d.cfg.Temperature),
			MaxOutputTokens: d.cfg.MaxOutputTokens,
			Seed:            seed,
			RetryLimit:      d.cfg.RetryLimit,
			TimeoutSeconds:  d.cfg.Timeout.Seconds(),
		},
		Attempts: []pkg.ModelAttempt{},
	}
	out := &Outcome{Record: record}
	log := d.log.With().Int64("subject_id", key.SubjectID).Int64("hadm_id", key.HadmID).Logger()

	next := request{kind: pkg.AttemptInitial, user: prompt.UserMessage}
	var resp *llm.Response
	var lastViolations []string
	st := stateRequesting

	for st != stateAccepted && st != stateFailed {
		switch st {
		case stateRequesting:
			if len(record.Attempts) >= d.cfg.RetryLimit {
				st = stateFailed
				continue
			}
			attempt, r, err := d.call(ctx, len(record.Attempts)+1, prompt.SystemMessage, next)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("generation for admission %d stopped: %w", key.HadmID, ctx.Err())
			}
			if err != nil {
				attempt.Outcome = pkg.OutcomeTransportError
				attempt.Error = err.Error()
				if attempt.RawResponse != nil {
					out.Raw = pkg.RawModelOutput{RawResponse: attempt.RawResponse}
				}
				lastViolations = []string{"transport: " + err.Error()}
				log.Warn().Err(err).Int("attempt", attempt.AttemptIndex).Msg("model call failed")
				if err := d.append(record, attempt, hook); err != nil {
					return nil, err
				}
				next.kind = pkg.AttemptRetry
				continue
			}
			resp = r
			out.Raw = pkg.RawModelOutput{ResponseText: r.Text, RawResponse: r.Raw}
			record.Attempts = append(record.Attempts, attempt)
			st = stateValidating

		case stateValidating:
			i := len(record.Attempts) - 1
			res := d.validator.Validate(Lift(resp.Text), p)
			if res.OK {
				record.Attempts[i].Outcome = pkg.OutcomeOK
				out.Conversation = res.Conversation
				lastViolations = nil
				if len(res.Warnings) > 0 {
					log.Warn().Strs("warnings", res.Warnings).Msg("unknown evidence ids accepted")
				}
				st = stateAccepted
			} else {
				record.Attempts[i].Outcome = pkg.OutcomeValidationFailed
				record.Attempts[i].Violations = res.Violations
				lastViolations = res.Violations
				rejected := apperrors.NewValidationError(fmt.Sprintf("attempt %d rejected", i+1), res.Violations)
				log.Info().Err(rejected).Int("violations", len(res.Violations)).Msg("response rejected")
				st = stateRepairing
			}
			if err := d.stage(record.Attempts[i], hook); err != nil {
				return nil, err
			}

		case stateRepairing:
			feedback := RenderViolations(lastViolations)
			next = request{
				kind:     pkg.AttemptRepair,
				user:     RepairMessage(prompt.UserMessage, lastViolations),
				feedback: feedback,
			}
			st = stateRequesting
		}
	}

	if st == stateAccepted {
		out.Status = pkg.StatusAccepted
	} else {
		out.Status = pkg.StatusFailed
		out.FinalViolations = lastViolations
	}
	record.FinalStatus = out.Status
	log.Info().Str("status", string(out.Status)).Int("attempts", len(record.Attempts)).Msg("generation finished")
	return out, nil
}

// call performs one model request under the per-call timeout.
func (d *Driver) call(ctx context.Context, index int, system string, req request) (pkg.ModelAttempt, *llm.Response, error) {
	ctx, span := d.tracer.Start(ctx, "model.attempt", trace.WithAttributes(
		attribute.Int("attempt.index", index),
		attribute.String("attempt.kind", string(req.kind)),
		attribute.String("model.name", d.cfg.Name),
	))
	defer span.End()

	attempt := pkg.ModelAttempt{
		AttemptIndex:   index,
		Kind:           req.kind,
		StartedAt:      d.now().UTC(),
		SystemSHA256:   pkg.SHA256Hex([]byte(system)),
		UserSHA256:     pkg.SHA256Hex([]byte(req.user)),
		RepairFeedback: req.feedback,
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.Generate(callCtx, llm.Request{
		System:          system,
		User:            req.user,
		Model:           d.cfg.Name,
		MaxOutputTokens: d.cfg.MaxOutputTokens,
		Temperature:     float32(d.cfg.Temperature),
		Seed:            d.cfg.Seed,
	})
	attempt.LatencyMS = time.Since(start).Milliseconds()
	if err == nil && resp == nil {
		err = errors.New("model returned no response")
	}
	if err != nil {
		if resp != nil {
			attempt.RawResponse = resp.Raw
			attempt.FinishReason = resp.FinishReason
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return attempt, nil, err
	}
	attempt.ResponseText = resp.Text
	attempt.RawResponse = resp.Raw
	attempt.FinishReason = resp.FinishReason
	attempt.InputTokens = resp.InputTokens
	attempt.OutputTokens = resp.OutputTokens
	span.SetAttributes(attribute.Int("tokens.output", resp.OutputTokens))
	return attempt, resp, nil
}

func (d *Driver) append(record *pkg.ModelCallRecord, a pkg.ModelAttempt, hook AttemptHook) error {
	record.Attempts = append(record.Attempts, a)
	return d.stage(a, hook)
}

func (d *Driver) stage(a pkg.ModelAttempt, hook AttemptHook) error {
	if hook == nil {
		return nil
	}
	return hook(a)
}
