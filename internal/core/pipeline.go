package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"medbench/internal/artifact"
	"medbench/internal/config"
	"medbench/internal/db"
	"medbench/internal/extract"
	"medbench/internal/llm"
	"medbench/pkg"
	apperrors "medbench/pkg/errors"
)

// Sessions hands out read-only source sessions.  *db.Store implements it.
type Sessions interface {
	Session(ctx context.Context) (*db.Session, error)
}

// Pipeline generates benchmark samples for one patient at a time.
type Pipeline struct {
	cfg      config.Config
	sessions Sessions
	client   llm.Client
	writer   *artifact.Writer
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newRunID func() string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRunID replaces the run id generator.
func WithRunID(f func() string) Option {
	return func(p *Pipeline) { p.newRunID = f }
}

// NewPipeline wires a pipeline.
func NewPipeline(cfg config.Config, sessions Sessions, client llm.Client, writer *artifact.Writer, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		sessions: sessions,
		client:   client,
		writer:   writer,
		log:      log.With().Str("component", "pipeline").Logger(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// patientRun carries the state of one RunPatient call.
type patientRun struct {
	runID     string
	extractor *extract.Extractor
	renderer  *Renderer
	driver    *Driver
	manifest  *pkg.PatientManifest
	details   []pkg.ConversationDetail
	only      []pkg.ConversationOnly
	previous  *pkg.AdmissionSummary
}

// RunPatient processes every qualifying admission of the subject in order.
// hadmID, when non-zero, restricts the run to that admission.  The subject's
// previous output is replaced.  Failed admissions are recorded and the run
// continues; any other error aborts the run and is returned together with
// the manifest written so far.
func (p *Pipeline) RunPatient(ctx context.Context, subjectID, hadmID int64) (*pkg.PatientManifest, error) {
	ctx, span := p.tracer.Start(ctx, "patient.run", trace.WithAttributes(attribute.Int64("subject_id", subjectID)))
	defer span.End()

	sess, err := p.sessions.Session(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "session")
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	run := &patientRun{
		runID:     p.newRunID(),
		extractor: extract.New(db.NewRepository(sess), p.cfg, p.log, p.now),
		renderer:  NewRenderer(p.cfg),
	}
	run.driver = NewDriver(p.client, NewValidator(p.cfg.Validation), p.cfg.Model, p.cfg.Benchmark.ManifestSchemaVersion, p.log)
	run.driver.now = p.now
	log := p.log.With().Str("run_id", run.runID).Int64("subject_id", subjectID).Logger()

	plan, err := run.extractor.Plan(ctx, subjectID, hadmID)
	if err != nil {
		span.SetStatus(codes.Error, "plan")
		return nil, err
	}
	if err := p.writer.ResetPatient(subjectID); err != nil {
		return nil, err
	}

	excluded := plan.Excluded
	if excluded == nil {
		excluded = []pkg.ExcludedAdmission{}
	}
	run.manifest = &pkg.PatientManifest{
		SchemaVersion:    p.cfg.Benchmark.ManifestSchemaVersion,
		BenchmarkName:    p.cfg.Benchmark.Name,
		BenchmarkVersion: p.cfg.Benchmark.Version,
		RunID:            run.runID,
		GeneratedAt:      p.now().UTC(),
		IDs:              pkg.SubjectRef{SubjectID: subjectID},
		Paths:            p.writer.Layout().PatientPaths(subjectID),
		DatasetVersions: pkg.DatasetVersions{
			MimicIV:     p.cfg.Dataset.MimicIV,
			MimicIVNote: p.cfg.Dataset.MimicIVNote,
		},
		ConfigSnapshot:     p.cfg.Snapshot(),
		Admissions:         []pkg.ManifestAdmission{},
		ExcludedAdmissions: excluded,
	}
	if err := p.writer.WriteRollups(subjectID, nil, nil, run.manifest); err != nil {
		return nil, err
	}

	for _, ref := range plan.Admissions {
		entry, err := p.runAdmission(ctx, run, ref)
		if err != nil {
			log.Error().Err(err).Int64("hadm_id", ref.HadmID).Msg("admission aborted the run")
			span.RecordError(err)
			span.SetStatus(codes.Error, "admission")
			return run.manifest, err
		}
		run.manifest.Admissions = append(run.manifest.Admissions, entry)
		if err := p.writer.WriteRollups(subjectID, run.details, run.only, run.manifest); err != nil {
			return run.manifest, err
		}
		log.Info().Int64("hadm_id", ref.HadmID).Str("status", string(entry.Status)).Msg("rollups written")
	}
	return run.manifest, nil
}

func (p *Pipeline) runAdmission(ctx context.Context, run *patientRun, ref pkg.AdmissionRef) (pkg.ManifestAdmission, error) {
	ctx, span := p.tracer.Start(ctx, "admission.run", trace.WithAttributes(
		attribute.Int64("subject_id", ref.SubjectID),
		attribute.Int64("hadm_id", ref.HadmID),
	))
	defer span.End()

	key := ref.Key()
	started := p.now()
	res, err := run.extractor.Extract(ctx, ref)
	if err != nil {
		return pkg.ManifestAdmission{}, err
	}
	prompt, err := run.renderer.Render(res.Packet, artifact.PacketFile, run.previous)
	if err != nil {
		return pkg.ManifestAdmission{}, err
	}
	out, err := run.driver.Run(ctx, run.runID, res.Packet, prompt, func(a pkg.ModelAttempt) error {
		return p.writer.StageAttempt(key, a)
	})
	if err != nil {
		return pkg.ManifestAdmission{}, err
	}
	summary := Summarize(p.cfg.Benchmark.ManifestSchemaVersion, res.Packet.Stats.SHA256, out, started, p.now())

	if err := p.writer.CommitAdmission(key, artifact.AdmissionFiles{
		Packet:        res.Packet,
		InputManifest: res.Manifest,
		Prompt:        prompt,
		ModelCalls:    out.Record,
		RawOutput:     out.Raw,
		Conversation:  out.Conversation,
		Summary:       summary,
		UnlinkedNotes: res.UnlinkedNote,
	}); err != nil {
		return pkg.ManifestAdmission{}, err
	}

	paths := p.writer.Layout().AdmissionPaths(key.SubjectID, key.HadmID)
	entry := pkg.ManifestAdmission{
		HadmID:             ref.HadmID,
		AdmitTime:          ref.AdmitTime,
		DischTime:          ref.DischTime,
		DischargeNoteCount: ref.DischargeNoteCount,
		Status:             out.Status,
		AttemptCount:       len(out.Record.Attempts),
		PacketSHA256:       res.Packet.Stats.SHA256,
		PolicyExceptions:   res.Packet.PolicyExceptions,
		FinalViolations:    out.FinalViolations,
		Paths:              paths,
	}

	if len(res.UnlinkedNote) == 0 {
		delete(paths, "unlinked_notes")
	}
	if out.Conversation == nil {
		delete(paths, "conversation")
		failure := apperrors.NewRetryExhaustedError(len(out.Record.Attempts), out.FinalViolations).WithAdmission(key.SubjectID, key.HadmID)
		p.log.Warn().Err(failure).Msg("admission failed")
		span.SetStatus(codes.Error, "retry exhausted")
		return entry, nil
	}

	entry.ConversationTurns = len(out.Conversation.Turns)
	for _, t := range out.Conversation.Turns {
		run.details = append(run.details, pkg.ConversationDetail{SubjectID: key.SubjectID, HadmID: key.HadmID, Turn: t})
	}
	view := pkg.ConversationOnly{HadmID: key.HadmID, Conversation: make([]pkg.SpeakerText, 0, len(out.Conversation.Turns))}
	for _, t := range out.Conversation.Turns {
		view.Conversation = append(view.Conversation, pkg.SpeakerText{Speaker: t.Speaker, Text: t.Text})
	}
	run.only = append(run.only, view)
	if p.cfg.Prompt.CarryPreviousSummary {
		s := out.Conversation.Summary
		run.previous = &s
	}
	return entry, nil
}
