package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/resource"
)

// Executor runs a plan's steps one at a time, in declaration order, halting
// on the first failure. It never runs steps concurrently.
type Executor struct {
	host     host.Host
	logger   zerolog.Logger
	recorder Recorder
	tracer   Tracer
	sink     ReportSink
	dryRun   bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithReportSink persists reports.
func WithReportSink(s ReportSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithDryRun probes and diffs every step without applying. Failures are
// recorded but do not halt a dry run.
func WithDryRun(dryRun bool) Option {
	return func(e *Executor) { e.dryRun = dryRun }
}

// NewExecutor creates an executor against a host.
func NewExecutor(h host.Host, opts ...Option) *Executor {
	e := &Executor{
		host:     h,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("github.com/embergraph/provisioner/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute converges the host to the plan. It returns the run report and the
// error that stopped the run, if any. The context is only checked between
// steps: a cancelled run finishes its current step, reports every step
// completed so far and leaves the rest pending.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Report, error) {
	if plan == nil {
		return nil, failure.Validation("plan is nil", nil)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		Flavor:    plan.Flavor,
		Host:      e.host.Name(),
		DryRun:    e.dryRun,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Steps:     make([]StepResult, len(plan.Steps)),
	}
	for i, s := range plan.Steps {
		report.Steps[i] = StepResult{
			Index:       i,
			StepID:      s.ID(),
			Kind:        string(s.Kind()),
			Description: s.Describe(),
			Outcome:     OutcomePending,
		}
	}

	log := e.logger.With().
		Str("run_id", report.RunID).
		Str("flavor", plan.Flavor).
		Str("host", report.Host).
		Logger()

	ctx, span := e.tracer.Start(ctx, "converge", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("plan.id", plan.ID),
		attribute.String("flavor", plan.Flavor),
		attribute.Bool("dry_run", e.dryRun),
	))
	defer span.End()

	e.recorder.RecordRunStarted(plan.Flavor)
	e.save(ctx, log, report)
	log.Info().Int("steps", len(plan.Steps)).Bool("dry_run", e.dryRun).Msg("Run started")

	var runErr error
	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			report.Status = RunStatusCancelled
			runErr = ctx.Err()
			log.Warn().Int("completed", i).Msg("Run cancelled between steps")
		default:
		}
		if report.Status == RunStatusCancelled {
			break
		}

		err := e.executeStep(ctx, log, step, &report.Steps[i], report)
		if err == nil {
			continue
		}
		if runErr == nil {
			runErr = err
			report.FailedStep = step.ID()
			report.FailedKind = failure.KindOf(err)
			report.Error = err.Error()
		}
		if !e.dryRun {
			break
		}
	}

	report.CompletedAt = time.Now().UTC()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	switch {
	case report.Status == RunStatusCancelled:
	case runErr != nil:
		report.Status = RunStatusFailed
	case report.Summary().WouldApply > 0:
		report.Status = RunStatusDrifted
	default:
		report.Status = RunStatusSucceeded
	}

	e.recorder.RecordRunCompleted(plan.Flavor, string(report.Status), report.Duration)
	e.save(ctx, log, report)

	span.SetAttributes(attribute.String("run.status", string(report.Status)))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Error().
			Err(runErr).
			Str("failed_step", report.FailedStep).
			Str("error_kind", string(report.FailedKind)).
			Dur("duration", report.Duration).
			Msg("Run failed")
	} else {
		span.SetStatus(codes.Ok, "")
		log.Info().Str("status", string(report.Status)).Dur("duration", report.Duration).Msg("Run completed")
	}
	return report, runErr
}

func (e *Executor) save(ctx context.Context, log zerolog.Logger, report *Report) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		log.Warn().Err(err).Msg("Failed to persist run report")
	}
}

// executeStep runs one step to a terminal phase and fills in its result.
// The step runs under a context detached from cancellation: a run is only
// ever aborted between steps.
func (e *Executor) executeStep(ctx context.Context, runLog zerolog.Logger, step resource.Step, res *StepResult, run resource.Run) error {
	id := step.ID()
	log := runLog.With().Str("step", id).Str("kind", string(step.Kind())).Logger()

	stepCtx, span := e.tracer.Start(context.WithoutCancel(ctx), "step "+id, trace.WithAttributes(
		attribute.String("step.id", id),
		attribute.String("step.kind", string(step.Kind())),
		attribute.Int("step.index", res.Index),
	))
	defer span.End()

	m := &machine{phase: PhasePending, log: log}
	res.StartedAt = time.Now().UTC()
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		e.recorder.RecordStepExecution(string(step.Kind()), string(res.Outcome), res.Duration)
		span.SetAttributes(attribute.String("step.outcome", string(res.Outcome)))
	}()

	meta := step.Declaration()
	if meta == nil {
		meta = &resource.Meta{}
	}

	if meta.Guard != nil {
		ok, err := meta.Guard.Check(stepCtx, e.host)
		if err != nil {
			return e.fail(span, log, m, res, classify(err, id, "guard"))
		}
		if !ok {
			m.to(PhaseSkipped)
			res.Outcome = OutcomeSkipped
			res.Reason = "guard not met: " + meta.Guard.Description
			log.Debug().Str("guard", meta.Guard.Description).Msg("Step skipped")
			return nil
		}
	}

	attempts := meta.Retry.Attempts()
	op := func() (*resource.Action, error) {
		res.Attempts++
		if res.Attempts > 1 {
			m.to(PhaseProbing)
			e.recorder.RecordStepRetry(string(step.Kind()))
		}
		action, err := e.attempt(stepCtx, m, step, run)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return action, err
	}

	var action *resource.Action
	var err error
	if attempts > 1 {
		action, err = backoff.Retry(stepCtx, op,
			backoff.WithBackOff(backoff.NewConstantBackOff(meta.Retry.Delay)),
			backoff.WithMaxTries(uint(attempts)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Warn().
					Err(err).
					Int("attempt", res.Attempts).
					Int("max_attempts", attempts).
					Dur("retry_in", next).
					Msg("Step attempt failed, retrying")
			}),
		)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if err != nil && retryable(err) {
			err = failure.Apply(fmt.Sprintf("step failed after %d attempts", res.Attempts), err).
				WithStep(id).
				WithDetail("attempts", res.Attempts)
		}
	} else {
		action, err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	if err != nil {
		return e.fail(span, log, m, res, err)
	}

	switch {
	case action == nil:
		m.to(PhaseSatisfied)
		res.Outcome = OutcomeSatisfied
		log.Debug().Msg("Step satisfied")
	case e.dryRun:
		res.Outcome = OutcomeWouldApply
		res.Action = action.Verb
		res.Reason = action.Reason
		log.Info().Str("action", action.Verb).Str("reason", action.Reason).Msg("Step would apply")
	default:
		m.to(PhaseApplied)
		res.Outcome = OutcomeApplied
		res.Action = action.Verb
		res.Reason = action.Reason
		log.Info().Str("action", action.Verb).Str("reason", action.Reason).Int("attempts", res.Attempts).Msg("Step applied")
	}
	return nil
}

// attempt runs one probe/diff/apply cycle. It returns the applied action, or
// nil when the step was already satisfied.
func (e *Executor) attempt(ctx context.Context, m *machine, step resource.Step, run resource.Run) (*resource.Action, error) {
	id := step.ID()
	m.to(PhaseProbing)
	state, err := step.Probe(ctx, e.host)
	if err != nil {
		return nil, classify(err, id, "probe")
	}
	action, err := step.Diff(state, run)
	if err != nil {
		return nil, classify(err, id, "diff")
	}
	if action == nil || e.dryRun {
		return action, nil
	}

	m.to(PhaseApplying)
	if err := step.Apply(ctx, e.host, action); err != nil {
		return nil, classify(err, id, "apply")
	}
	return action, nil
}

func (e *Executor) fail(span trace.Span, log zerolog.Logger, m *machine, res *StepResult, err error) error {
	m.to(PhaseFailed)
	kind := failure.KindOf(err)
	res.Outcome = OutcomeFailed
	res.ErrorKind = kind
	res.Error = err.Error()
	e.recorder.RecordError(string(kind))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error().Err(err).Str("error_kind", string(kind)).Int("attempts", res.Attempts).Msg("Step failed")
	return err
}

// classify attaches the step and phase to a classified error, and wraps any
// other error as an ApplyError.
func classify(err error, stepID, phase string) error {
	if fe, ok := failure.As(err); ok {
		if fe.Step == "" {
			fe.Step = stepID
		}
		if fe.Phase == "" {
			fe.Phase = phase
		}
		return err
	}
	return failure.Apply(phase+" failed", err).WithStep(stepID).WithPhase(phase)
}

// retryable reports whether a declared retry policy may retry err. Errors in
// the declaration or the attributes, and drift, fail the same way every time.
func retryable(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindDrift, failure.KindValidation, failure.KindTemplate,
		failure.KindMissingAttribute, failure.KindUnknownFlavor:
		return false
	}
	return true
}

// machine tracks a step's phase and logs each transition.
type machine struct {
	phase Phase
	log   zerolog.Logger
}

func (m *machine) to(next Phase) {
	if !m.phase.CanTransition(next) {
		m.log.Error().Str("from", string(m.phase)).Str("to", string(next)).Msg("Invalid step phase transition")
	}
	m.log.Trace().Str("from", string(m.phase)).Str("to", string(next)).Msg("Step phase")
	m.phase = next
}
