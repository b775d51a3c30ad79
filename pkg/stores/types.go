package stores

import (
	"time"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"
)

// RunRecord is a stored run without its step results.
type RunRecord struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	Flavor      string           `json:"flavor"`
	Host        string           `json:"host"`
	DryRun      bool             `json:"dry_run"`
	Status      engine.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
	FailedStep  string           `json:"failed_step,omitempty"`
	FailedKind  failure.Kind     `json:"failed_kind,omitempty"`
	Error       string           `json:"error,omitempty"`

	// Summary counts the stored step outcomes.
	Summary engine.Summary `json:"summary"`
}

// RunFilter selects runs to list. Zero fields match everything.
type RunFilter struct {
	Flavor string
	Host   string
	Status engine.RunStatus
	Limit  int
	Offset int
}

// Checksum is a recorded download hash.
type Checksum struct {
	Key        string    `json:"key"`
	SHA256     string    `json:"sha256"`
	RecordedAt time.Time `json:"recorded_at"`
}
