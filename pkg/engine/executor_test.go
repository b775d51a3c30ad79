package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/host/hosttest"
	"github.com/embergraph/provisioner/pkg/resource"
)

// fakeStep is a scripted step. probeErrs is consumed one entry per attempt.
type fakeStep struct {
	resource.Meta

	id        string
	satisfied bool
	probeErrs []error
	applyErr  error
	onApply   func()

	probes  int
	applies int
}

func (s *fakeStep) ID() string                  { return s.id }
func (s *fakeStep) Kind() resource.Kind         { return resource.KindShellCommand }
func (s *fakeStep) Describe() string            { return "fake " + s.id }
func (s *fakeStep) Declaration() *resource.Meta { return &s.Meta }

func (s *fakeStep) Probe(context.Context, host.Host) (resource.State, error) {
	s.probes++
	if len(s.probeErrs) > 0 {
		err := s.probeErrs[0]
		s.probeErrs = s.probeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.satisfied, nil
}

func (s *fakeStep) Diff(state resource.State, _ resource.Run) (*resource.Action, error) {
	if state.(bool) {
		return nil, nil
	}
	return &resource.Action{Verb: "run", Reason: "not done"}, nil
}

func (s *fakeStep) Apply(context.Context, host.Host, *resource.Action) error {
	s.applies++
	if s.onApply != nil {
		s.onApply()
	}
	if s.applyErr != nil {
		return s.applyErr
	}
	s.satisfied = true
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	statuses []string
	outcomes []string
	retries  int
	errors   []string
}

func (r *fakeRecorder) RecordRunStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) RecordRunCompleted(_, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) RecordStepExecution(_, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) RecordStepRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) RecordError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, kind)
}

type fakeSink struct {
	statuses []RunStatus
	err      error
}

func (s *fakeSink) SaveReport(_ context.Context, r *Report) error {
	s.statuses = append(s.statuses, r.Status)
	return s.err
}

func outcomes(r *Report) []Outcome {
	out := make([]Outcome, len(r.Steps))
	for i, st := range r.Steps {
		out[i] = st.Outcome
	}
	return out
}

func equalOutcomes(t *testing.T, got []Outcome, want ...Outcome) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}

func TestExecuteAppliesInOrder(t *testing.T) {
	a := &fakeStep{id: "a"}
	b := &fakeStep{id: "b", satisfied: true}
	c := &fakeStep{id: "c"}

	rec := &fakeRecorder{}
	sink := &fakeSink{}
	exec := NewExecutor(hosttest.New(), WithRecorder(rec), WithReportSink(sink))

	report, err := exec.Execute(context.Background(), NewPlan("nss", "", []resource.Step{a, b, c}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	equalOutcomes(t, outcomes(report), OutcomeApplied, OutcomeSatisfied, OutcomeApplied)
	if report.Status != RunStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", report.Status)
	}
	if report.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", report.ExitCode())
	}
	if b.applies != 0 {
		t.Errorf("satisfied step applied %d times", b.applies)
	}
	if report.Steps[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", report.Steps[0].Attempts)
	}
	if rec.started != 1 || len(rec.statuses) != 1 || rec.statuses[0] != "succeeded" {
		t.Errorf("recorder runs = %d %v", rec.started, rec.statuses)
	}
	if len(rec.outcomes) != 3 {
		t.Errorf("recorded %d step executions, want 3", len(rec.outcomes))
	}
	if len(sink.statuses) != 2 || sink.statuses[0] != RunStatusRunning || sink.statuses[1] != RunStatusSucceeded {
		t.Errorf("sink saw %v, want [running succeeded]", sink.statuses)
	}
}

func TestExecuteHaltsOnFirstFailure(t *testing.T) {
	a := &fakeStep{id: "a"}
	b := &fakeStep{id: "b", applyErr: errors.New("exit status 1")}
	c := &fakeStep{id: "c"}

	rec := &fakeRecorder{}
	report, err := NewExecutor(hosttest.New(), WithRecorder(rec)).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{a, b, c}))
	if err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
	if !failure.Is(err, failure.KindApply) {
		t.Errorf("error kind = %s, want ApplyError", failure.KindOf(err))
	}
	fe, _ := failure.As(err)
	if fe.Step != "b" || fe.Phase != "apply" {
		t.Errorf("failure step/phase = %s/%s, want b/apply", fe.Step, fe.Phase)
	}
	equalOutcomes(t, outcomes(report), OutcomeApplied, OutcomeFailed, OutcomePending)
	if c.probes != 0 {
		t.Errorf("step after failure was probed %d times", c.probes)
	}
	if report.FailedStep != "b" || report.FailedKind != failure.KindApply {
		t.Errorf("report failure = %s %s", report.FailedStep, report.FailedKind)
	}
	if report.Status != RunStatusFailed || report.ExitCode() != 1 {
		t.Errorf("status = %s exit = %d, want failed/1", report.Status, report.ExitCode())
	}
	if len(rec.errors) != 1 || rec.errors[0] != string(failure.KindApply) {
		t.Errorf("recorded errors = %v", rec.errors)
	}
}

func TestExecuteKeepsClassifiedKind(t *testing.T) {
	drift := failure.Drift("/var/lib/embergraph exists and is not a directory", nil)
	a := &fakeStep{id: "a", probeErrs: []error{drift}}
	a.Retry = resource.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

	report, err := NewExecutor(hosttest.New()).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{a}))
	if !failure.Is(err, failure.KindDrift) {
		t.Fatalf("error = %v, want DriftError", err)
	}
	if a.probes != 1 {
		t.Errorf("drift was retried: %d probes", a.probes)
	}
	if report.Steps[0].ErrorKind != failure.KindDrift {
		t.Errorf("ErrorKind = %s", report.Steps[0].ErrorKind)
	}
	fe, _ := failure.As(err)
	if fe.Step != "a" || fe.Phase != "probe" {
		t.Errorf("failure step/phase = %s/%s, want a/probe", fe.Step, fe.Phase)
	}
}

func TestExecuteRetry(t *testing.T) {
	missing := errors.New("web.xml: no such file")

	tests := []struct {
		name         string
		probeErrs    []error
		maxAttempts  int
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "succeeds on third attempt",
			probeErrs:    []error{missing, missing, nil},
			maxAttempts:  5,
			wantAttempts: 3,
		},
		{
			name:         "exhausted",
			probeErrs:    []error{missing, missing, missing, missing},
			maxAttempts:  3,
			wantErr:      true,
			wantAttempts: 3,
		},
		{
			name:         "no policy means one attempt",
			probeErrs:    []error{missing, nil},
			maxAttempts:  0,
			wantErr:      true,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeStep{id: "edit", probeErrs: tt.probeErrs}
			s.Retry = resource.RetryPolicy{MaxAttempts: tt.maxAttempts, Delay: time.Millisecond}
			rec := &fakeRecorder{}

			report, err := NewExecutor(hosttest.New(), WithRecorder(rec)).
				Execute(context.Background(), NewPlan("tomcat", "", []resource.Step{s}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := report.Steps[0].Attempts; got != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", got, tt.wantAttempts)
			}
			if rec.retries != tt.wantAttempts-1 {
				t.Errorf("recorded %d retries, want %d", rec.retries, tt.wantAttempts-1)
			}
			if err == nil {
				if report.Steps[0].Outcome != OutcomeApplied {
					t.Errorf("Outcome = %s, want applied", report.Steps[0].Outcome)
				}
				return
			}
			if !failure.Is(err, failure.KindApply) {
				t.Errorf("error kind = %s, want ApplyError", failure.KindOf(err))
			}
			if !errors.Is(err, missing) {
				t.Errorf("error %v does not wrap the last attempt's cause", err)
			}
		})
	}
}

func TestExecuteRetryWaitsBetweenAttempts(t *testing.T) {
	s := &fakeStep{id: "slow", probeErrs: []error{errors.New("not yet"), nil}}
	s.Retry = resource.RetryPolicy{MaxAttempts: 2, Delay: 20 * time.Millisecond}

	start := time.Now()
	if _, err := NewExecutor(hosttest.New()).Execute(context.Background(), NewPlan("nss", "", []resource.Step{s})); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("retry did not wait: %s", elapsed)
	}
}

func TestExecuteGuard(t *testing.T) {
	skipped := &fakeStep{id: "ha-only"}
	skipped.Guard = resource.When("flavor == ha", false)
	run := &fakeStep{id: "always"}
	run.Guard = resource.When("flavor == nss", true)

	report, err := NewExecutor(hosttest.New()).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{skipped, run}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	equalOutcomes(t, outcomes(report), OutcomeSkipped, OutcomeApplied)
	if skipped.probes != 0 {
		t.Errorf("guarded step probed %d times", skipped.probes)
	}
	if !strings.Contains(report.Steps[0].Reason, "flavor == ha") {
		t.Errorf("Reason = %q", report.Steps[0].Reason)
	}
	if report.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", report.ExitCode())
	}
}

func TestExecuteGuardError(t *testing.T) {
	s := &fakeStep{id: "guarded"}
	s.Guard = &resource.Guard{
		Description: "ssd present",
		Check: func(context.Context, host.Host) (bool, error) {
			return false, errors.New("lsblk failed")
		},
	}
	_, err := NewExecutor(hosttest.New()).Execute(context.Background(), NewPlan("nss", "", []resource.Step{s}))
	fe, ok := failure.As(err)
	if !ok || fe.Phase != "guard" {
		t.Fatalf("error = %v, want failure in guard phase", err)
	}
}

func TestExecuteCancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeStep{id: "a", onApply: cancel}
	b := &fakeStep{id: "b"}

	report, err := NewExecutor(hosttest.New()).Execute(ctx, NewPlan("nss", "", []resource.Step{a, b}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	equalOutcomes(t, outcomes(report), OutcomeApplied, OutcomePending)
	if report.Status != RunStatusCancelled {
		t.Errorf("Status = %s, want cancelled", report.Status)
	}
	if report.ExitCode() != 130 {
		t.Errorf("ExitCode() = %d, want 130", report.ExitCode())
	}
}

func TestExecuteDryRun(t *testing.T) {
	a := &fakeStep{id: "a"}
	b := &fakeStep{id: "b", probeErrs: []error{errors.New("probe failed")}}
	c := &fakeStep{id: "c", satisfied: true}

	report, err := NewExecutor(hosttest.New(), WithDryRun(true)).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{a, b, c}))
	if err == nil {
		t.Fatal("Execute() error = nil, want the probe failure")
	}
	equalOutcomes(t, outcomes(report), OutcomeWouldApply, OutcomeFailed, OutcomeSatisfied)
	if a.applies != 0 {
		t.Errorf("dry run applied %d times", a.applies)
	}
	if report.FailedStep != "b" {
		t.Errorf("FailedStep = %s, want b", report.FailedStep)
	}

	clean := &fakeStep{id: "clean"}
	report, err = NewExecutor(hosttest.New(), WithDryRun(true)).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{clean}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if report.Status != RunStatusDrifted || report.ExitCode() != 2 {
		t.Errorf("status = %s exit = %d, want drifted/2", report.Status, report.ExitCode())
	}
}

func TestExecuteSubscribedRestart(t *testing.T) {
	h := hosttest.New()
	h.AddService("embergraph", true, true)

	conf := &resource.File{Path: "/etc/default/embergraph", Content: []byte("JAVA_OPTS=-Xmx4g\n"), Mode: 0o644}
	svc := &resource.Service{Name: "embergraph", Enabled: true, Running: true}
	svc.Subscribes = []string{conf.ID()}
	plan := NewPlan("ha", "", []resource.Step{conf, svc})

	report, err := NewExecutor(h).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	equalOutcomes(t, outcomes(report), OutcomeApplied, OutcomeApplied)
	if report.Steps[1].Action != "restart" {
		t.Errorf("service action = %q, want restart", report.Steps[1].Action)
	}
	if got := h.Service("embergraph").Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}

	report, err = NewExecutor(h).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	equalOutcomes(t, outcomes(report), OutcomeSatisfied, OutcomeSatisfied)
	if got := h.Service("embergraph").Restarts; got != 1 {
		t.Errorf("converged run restarted the service: Restarts = %d", got)
	}
}

func TestExecuteInvalidPlan(t *testing.T) {
	a := &fakeStep{id: "a"}
	dup := &fakeStep{id: "a"}

	report, err := NewExecutor(hosttest.New()).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{a, dup}))
	if !failure.Is(err, failure.KindValidation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil for a rejected plan", report)
	}
	if a.probes != 0 {
		t.Error("invalid plan was executed")
	}
}

func TestExecuteSinkErrorIsNotFatal(t *testing.T) {
	sink := &fakeSink{err: errors.New("database is locked")}
	report, err := NewExecutor(hosttest.New(), WithReportSink(sink)).
		Execute(context.Background(), NewPlan("nss", "", []resource.Step{&fakeStep{id: "a"}}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Status = %s", report.Status)
	}
}
