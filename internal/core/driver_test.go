package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medbench/internal/config"
	"medbench/internal/core"
	"medbench/internal/llm"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

type driverRun struct {
	cfg    config.Config
	client *fakeClient
	staged []pkg.ModelAttempt
	prompt *pkg.PromptRecord
}

func newDriverRun(t *testing.T, retryLimit int, replies ...reply) *driverRun {
	t.Helper()
	cfg := config.Default()
	cfg.Model.RetryLimit = retryLimit
	prompt, err := core.NewRenderer(cfg).Render(testPacket(), "packet.json", nil)
	require.NoError(t, err)
	return &driverRun{cfg: cfg, client: &fakeClient{replies: replies}, prompt: prompt}
}

func (r *driverRun) run(ctx context.Context) (*core.Outcome, error) {
	d := core.NewDriver(r.client, core.NewValidator(r.cfg.Validation), r.cfg.Model, "0.1.0", zerolog.Nop())
	return d.Run(ctx, "run-1", testPacket(), r.prompt, func(a pkg.ModelAttempt) error {
		r.staged = append(r.staged, a)
		return nil
	})
}

func kinds(attempts []pkg.ModelAttempt) []pkg.AttemptKind {
	out := make([]pkg.AttemptKind, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.Kind)
	}
	return out
}

func outcomes(attempts []pkg.ModelAttempt) []pkg.AttemptOutcome {
	out := make([]pkg.AttemptOutcome, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func TestDriver_MalformedThenValid(t *testing.T) {
	r := newDriverRun(t, 2, reply{text: "this is not json"}, reply{text: encode(t, validDoc())})
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusAccepted, out.Status)
	require.NotNil(t, out.Conversation)
	assert.Empty(t, out.FinalViolations)

	rec := out.Record
	require.Len(t, rec.Attempts, 2)
	assert.Equal(t, []pkg.AttemptKind{pkg.AttemptInitial, pkg.AttemptRepair}, kinds(rec.Attempts))
	assert.Equal(t, []pkg.AttemptOutcome{pkg.OutcomeValidationFailed, pkg.OutcomeOK}, outcomes(rec.Attempts))
	assert.Equal(t, 1, rec.Attempts[0].AttemptIndex)
	assert.Equal(t, 2, rec.Attempts[1].AttemptIndex)
	assert.Equal(t, pkg.StatusAccepted, rec.FinalStatus)
	assert.Equal(t, "fake", rec.Model.Provider)
	assert.Equal(t, "run-1", rec.RunID)

	calls := r.client.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, r.prompt.UserMessage, calls[0].User)
	assert.Equal(t, core.RepairMessage(r.prompt.UserMessage, rec.Attempts[0].Violations), calls[1].User)
	assert.Equal(t, core.SystemMessage, calls[1].System)
	assert.Contains(t, rec.Attempts[1].RepairFeedback, "Invalid JSON")
	assert.Equal(t, pkg.SHA256Hex([]byte(calls[1].User)), rec.Attempts[1].UserSHA256)

	assert.Equal(t, rec.Attempts, r.staged, "every attempt is staged as recorded")
	assert.Equal(t, encode(t, validDoc()), out.Raw.ResponseText)
}

func TestDriver_AlwaysMalformed(t *testing.T) {
	r := newDriverRun(t, 2, reply{text: "nope"}, reply{text: "still nope"})
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusFailed, out.Status)
	assert.Nil(t, out.Conversation)
	require.Len(t, out.Record.Attempts, 2)
	assert.Equal(t, pkg.StatusFailed, out.Record.FinalStatus)
	require.NotEmpty(t, out.FinalViolations)
	assert.Contains(t, out.FinalViolations[0], "Invalid JSON")
	assert.Equal(t, "still nope", out.Raw.ResponseText)
	assert.Len(t, r.client.requests(), 2)
}

func TestDriver_TransportFailureResendsRequest(t *testing.T) {
	r := newDriverRun(t, 2,
		reply{err: apperrors.NewTransportError("openai: chat completion failed", errors.New("503"))},
		reply{text: encode(t, validDoc())},
	)
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusAccepted, out.Status)
	rec := out.Record
	assert.Equal(t, []pkg.AttemptKind{pkg.AttemptInitial, pkg.AttemptRetry}, kinds(rec.Attempts))
	assert.Equal(t, []pkg.AttemptOutcome{pkg.OutcomeTransportError, pkg.OutcomeOK}, outcomes(rec.Attempts))
	assert.Contains(t, rec.Attempts[0].Error, "503")

	calls := r.client.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1], "a transport retry resends the previous request unchanged")
}

func TestDriver_RetryLimitBoundsAttempts(t *testing.T) {
	fail := reply{err: errors.New("connection reset")}
	r := newDriverRun(t, 3, fail, fail, fail, reply{text: encode(t, validDoc())})
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusFailed, out.Status)
	require.Len(t, out.Record.Attempts, 3)
	for i, a := range out.Record.Attempts {
		assert.Equal(t, i+1, a.AttemptIndex)
		assert.Equal(t, pkg.OutcomeTransportError, a.Outcome)
	}
	assert.Equal(t, []string{"transport: connection reset"}, out.FinalViolations)
	assert.Len(t, r.client.requests(), 3)
}

func TestDriver_RepairAfterTransportFailure(t *testing.T) {
	r := newDriverRun(t, 3,
		reply{text: "{}"},
		reply{err: errors.New("timeout")},
		reply{text: encode(t, validDoc())},
	)
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusAccepted, out.Status)
	assert.Equal(t, []pkg.AttemptKind{pkg.AttemptInitial, pkg.AttemptRepair, pkg.AttemptRetry}, kinds(out.Record.Attempts))
	calls := r.client.requests()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[1].User, calls[2].User, "the retry resends the repair request")
	assert.NotEqual(t, calls[0].User, calls[1].User)
}

func TestDriver_CancellationIsNotAnAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newDriverRun(t, 2)
	r.client.generate = func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out, err := r.run(ctx)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, r.staged)
}

func TestDriver_PerCallTimeoutIsTransportFailure(t *testing.T) {
	r := newDriverRun(t, 1)
	r.cfg.Model.Timeout = 10 * time.Millisecond
	r.client.generate = func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out, err := r.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusFailed, out.Status)
	require.Len(t, out.Record.Attempts, 1)
	assert.Equal(t, pkg.OutcomeTransportError, out.Record.Attempts[0].Outcome)
	assert.Contains(t, out.Record.Attempts[0].Error, "deadline exceeded")
}

func TestDriver_MalformedEnvelopeKeepsRawResponse(t *testing.T) {
	r := newDriverRun(t, 1)
	envelope := json.RawMessage(`{"id":"env-1","choices":[]}`)
	r.client.generate = func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Raw: envelope, FinishReason: "length"},
			apperrors.NewTransportError("fake: malformed envelope: no choices", nil)
	}
	out, err := r.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pkg.StatusFailed, out.Status)
	require.Len(t, out.Record.Attempts, 1)
	a := out.Record.Attempts[0]
	assert.Equal(t, pkg.OutcomeTransportError, a.Outcome)
	assert.Contains(t, a.Error, "malformed envelope")
	assert.JSONEq(t, string(envelope), string(a.RawResponse))
	assert.Equal(t, "length", a.FinishReason)
	assert.JSONEq(t, string(envelope), string(out.Raw.RawResponse))
	assert.Equal(t, r.staged, out.Record.Attempts)
}

func TestDriver_HookErrorAborts(t *testing.T) {
	r := newDriverRun(t, 2, reply{text: "nope"})
	d := core.NewDriver(r.client, core.NewValidator(r.cfg.Validation), r.cfg.Model, "0.1.0", zerolog.Nop())
	boom := apperrors.NewArtifactError("disk full", nil)
	_, err := d.Run(context.Background(), "run-1", testPacket(), r.prompt, func(pkg.ModelAttempt) error { return boom })
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArtifact))
	assert.Len(t, r.client.requests(), 1)
}

func TestSummarize(t *testing.T) {
	r := newDriverRun(t, 2, reply{err: errors.New("reset")}, reply{text: encode(t, validDoc())})
	out, err := r.run(context.Background())
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := core.Summarize("0.1.0", "feedface", out, start, start.Add(1500*time.Millisecond))
	assert.Equal(t, pkg.StatusAccepted, s.Status)
	assert.Equal(t, 2, s.AttemptCount)
	assert.Equal(t, 1, s.TransportFailures)
	assert.Equal(t, 0, s.ValidationFailures)
	assert.Equal(t, 4, s.TurnCount)
	assert.Equal(t, 2, s.TurnsBySpeaker[pkg.SpeakerPatient])
	assert.Equal(t, 1, s.TurnsBySpeaker[pkg.SpeakerAttending])
	assert.Equal(t, core.EstimateTokens(s.CharCount), s.TokenEstimate)
	assert.Equal(t, int64(1500), s.DurationMS)
	assert.Equal(t, 100, s.InputTokens)
	assert.Equal(t, 40, s.OutputTokens)
	require.NotNil(t, s.EndOfAdmissionSummary)
	assert.Equal(t, "H+72:00", s.EndOfAdmissionSummary.RelativeDischargeTime)
}
