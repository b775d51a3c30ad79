package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/resource"
)

// Plan is the ordered sequence of steps selected for one flavor. Order is
// significant: later steps may assume earlier steps' postconditions.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string

	// Flavor is the selected install flavor.
	Flavor string

	// CreatedAt is when the plan was built.
	CreatedAt time.Time

	// AttributesHash fingerprints the attribute snapshot the plan was built from.
	AttributesHash string

	// Steps are executed strictly in this order.
	Steps []resource.Step

	// Metadata contains additional plan metadata.
	Metadata map[string]interface{}
}

// NewPlan creates a plan with a fresh ID.
func NewPlan(flavor, attributesHash string, steps []resource.Step) *Plan {
	return &Plan{
		ID:             uuid.New().String(),
		Flavor:         flavor,
		CreatedAt:      time.Now().UTC(),
		AttributesHash: attributesHash,
		Steps:          steps,
		Metadata:       make(map[string]interface{}),
	}
}

// Step returns the step with the given ID and its index.
func (p *Plan) Step(id string) (resource.Step, int, bool) {
	for i, s := range p.Steps {
		if s.ID() == id {
			return s, i, true
		}
	}
	return nil, -1, false
}

// Validate checks step identities, per-step declarations and ordering. All
// problems are reported as a ValidationError.
func (p *Plan) Validate() error {
	seen := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s == nil {
			return failure.Validation(fmt.Sprintf("step %d is nil", i), nil)
		}
		id := s.ID()
		if prev, dup := seen[id]; dup {
			return failure.Validation(fmt.Sprintf("duplicate step %s at positions %d and %d", id, prev, i), nil).
				WithStep(id)
		}
		seen[id] = i
		if v, ok := s.(resource.Validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	_, err := BuildGraph(p.Steps)
	return err
}

// StepView is the serializable description of a planned step.
type StepView struct {
	Index       int                   `json:"index"`
	ID          string                `json:"id"`
	Kind        resource.Kind         `json:"kind"`
	Description string                `json:"description"`
	Target      string                `json:"target,omitempty"`
	Guard       string                `json:"guard,omitempty"`
	Retry       *resource.RetryPolicy `json:"retry,omitempty"`
	Subscribes  []string              `json:"subscribes,omitempty"`
	Provides    resource.Accounts     `json:"provides"`
	References  resource.Accounts     `json:"references"`
	Idempotency *string               `json:"idempotency,omitempty"`
}

// PlanView is the serializable description of a plan. Policies are
// evaluated against it.
type PlanView struct {
	ID             string     `json:"id"`
	Flavor         string     `json:"flavor"`
	CreatedAt      time.Time  `json:"created_at"`
	AttributesHash string     `json:"attributes_hash"`
	Steps          []StepView `json:"steps"`
}

// View describes the plan.
func (p *Plan) View() PlanView {
	v := PlanView{
		ID:             p.ID,
		Flavor:         p.Flavor,
		CreatedAt:      p.CreatedAt,
		AttributesHash: p.AttributesHash,
		Steps:          make([]StepView, 0, len(p.Steps)),
	}
	for i, s := range p.Steps {
		v.Steps = append(v.Steps, describeStep(i, s))
	}
	return v
}

func describeStep(i int, s resource.Step) StepView {
	sv := StepView{
		Index:       i,
		ID:          s.ID(),
		Kind:        s.Kind(),
		Description: s.Describe(),
	}
	if meta := s.Declaration(); meta != nil {
		if meta.Guard != nil {
			sv.Guard = meta.Guard.Description
		}
		if meta.Retry.Attempts() > 1 {
			retry := meta.Retry
			sv.Retry = &retry
		}
		sv.Subscribes = meta.Subscribes
	}
	if pr, ok := s.(resource.Provider); ok {
		sv.Provides = pr.Provides()
	}
	if ref, ok := s.(resource.Referencer); ok {
		sv.References = ref.References()
	}
	if tg, ok := s.(resource.Targeted); ok {
		sv.Target = tg.TargetPath()
	}
	if idem, ok := s.(resource.Idempotent); ok {
		desc := idem.Idempotency()
		sv.Idempotency = &desc
	}
	return sv
}

// MarshalJSON encodes the plan view.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.View())
}
