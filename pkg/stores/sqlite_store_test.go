package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host/hosttest"
	"github.com/embergraph/provisioner/pkg/resource"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testReport(id string, started time.Time, status engine.RunStatus, outcomes ...engine.Outcome) *engine.Report {
	r := &engine.Report{
		RunID:     id,
		PlanID:    "plan-" + id,
		Flavor:    "nss",
		Host:      "fakehost",
		Status:    status,
		StartedAt: started,
	}
	for i, o := range outcomes {
		r.Steps = append(r.Steps, engine.StepResult{
			Index:       i,
			StepID:      "file[/etc/step" + string(rune('a'+i)) + "]",
			Kind:        "file",
			Description: "file",
			Outcome:     o,
			Attempts:    1,
		})
	}
	return r
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore accepted an empty path")
	}
}

func TestFileStoreReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Record(ctx, "http://example/a.tgz /tmp/a.tgz", "abc"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	got, err := store.Recorded(ctx, "http://example/a.tgz /tmp/a.tgz")
	if err != nil || got != "abc" {
		t.Errorf("Recorded() = %q, %v after reopen", got, err)
	}
}

func TestSaveReportUpserts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := testReport("run-1", started, engine.RunStatusRunning, engine.OutcomePending, engine.OutcomePending)
	if err := store.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport(running) error = %v", err)
	}
	rec, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if rec.Status != engine.RunStatusRunning || rec.CompletedAt != nil || rec.Summary.Pending != 2 {
		t.Errorf("running record = %+v", rec)
	}

	r.Status = engine.RunStatusFailed
	r.CompletedAt = started.Add(90 * time.Second)
	r.Duration = 90 * time.Second
	r.Steps[0].Outcome = engine.OutcomeApplied
	r.Steps[0].Action = "create"
	r.Steps[1].Outcome = engine.OutcomeFailed
	r.Steps[1].Attempts = 3
	r.Steps[1].ErrorKind = failure.KindApply
	r.Steps[1].Error = "step failed after 3 attempts"
	r.FailedStep = r.Steps[1].StepID
	r.FailedKind = failure.KindApply
	r.Error = "step failed after 3 attempts"
	if err := store.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport(failed) error = %v", err)
	}

	got, err := store.GetReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if got.Status != engine.RunStatusFailed || got.FailedKind != failure.KindApply || got.FailedStep != r.FailedStep {
		t.Errorf("report = %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.CompletedAt.Equal(r.CompletedAt) || got.Duration != r.Duration {
		t.Errorf("times = %v %v %v", got.StartedAt, got.CompletedAt, got.Duration)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(got.Steps))
	}
	if got.Steps[0].Action != "create" || got.Steps[1].Attempts != 3 || got.Steps[1].ErrorKind != failure.KindApply {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", got.ExitCode())
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRunsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []engine.RunStatus{engine.RunStatusSucceeded, engine.RunStatusFailed, engine.RunStatusSucceeded} {
		r := testReport(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), status, engine.OutcomeSatisfied)
		if i == 1 {
			r.Flavor = "tomcat"
		}
		if err := store.SaveReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all newest first", RunFilter{}, []string{"c", "b", "a"}},
		{"by flavor", RunFilter{Flavor: "nss"}, []string{"c", "a"}},
		{"by status", RunFilter{Status: engine.RunStatusFailed}, []string{"b"}},
		{"limited", RunFilter{Limit: 1}, []string{"c"}},
		{"offset", RunFilter{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %v", len(runs), tt.want)
			}
			for i, id := range tt.want {
				if runs[i].ID != id {
					t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, id)
				}
				if runs[i].Summary.Satisfied != 1 {
					t.Errorf("run %s summary = %+v", id, runs[i].Summary)
				}
			}
		})
	}

	removed, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("PruneRuns() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("PruneRuns() removed %d, want 2", removed)
	}
	if _, err := store.GetReport(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned run still readable: %v", err)
	}
}

func TestChecksumLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	var _ resource.ChecksumLedger = store

	if got, err := store.Recorded(ctx, "k"); err != nil || got != "" {
		t.Fatalf("Recorded(unknown) = %q, %v", got, err)
	}
	if err := store.Record(ctx, "k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, "k", "two"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Recorded(ctx, "k"); got != "two" {
		t.Errorf("Recorded(k) = %q, want two", got)
	}
	sums, err := store.ListChecksums(ctx)
	if err != nil || len(sums) != 1 || sums[0].SHA256 != "two" {
		t.Errorf("ListChecksums() = %+v, %v", sums, err)
	}
}

func TestStoreAsReportSink(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	h := hosttest.New()
	plan := engine.NewPlan("nss", "hash", []resource.Step{
		&resource.Directory{Path: "/opt/embergraph", Owner: "root", Group: "root", Mode: 0o755},
		&resource.File{Path: "/opt/embergraph/marker", Content: []byte("ok\n"), Owner: "root", Group: "root", Mode: 0o644},
	})
	report, err := engine.NewExecutor(h, engine.WithReportSink(store)).Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	stored, err := store.GetReport(ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if stored.Status != engine.RunStatusSucceeded || stored.Summary().Applied != 2 {
		t.Errorf("stored report = %+v", stored)
	}
	if stored.PlanID != plan.ID {
		t.Errorf("PlanID = %s, want %s", stored.PlanID, plan.ID)
	}
}
