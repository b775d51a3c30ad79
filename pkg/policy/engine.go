package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/resource"
)

// Engine evaluates Rego policies against plans before they run.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	system   resource.Accounts
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSystemAccounts replaces the accounts assumed to exist on every host.
func WithSystemAccounts(accounts resource.Accounts) Option {
	return func(e *Engine) { e.system = accounts }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		system:   SystemAccounts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = inmem.NewFromObject(map[string]interface{}{
		"embergraph": map[string]interface{}{
			"system_accounts": map[string]interface{}{
				"users":  stringsToValues(e.system.Users),
				"groups": stringsToValues(e.system.Groups),
			},
		},
	})

	ctx := context.Background()
	for _, p := range GetBuiltinPolicies() {
		if err := e.AddPolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// AddPolicy compiles a policy and adds it, replacing any policy of the same
// name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	module := p.parsed
	if module == nil {
		var err error
		if module, err = ast.ParseModule(p.Name, p.Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{
		policy:   &p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", p.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies loads and adds .rego files from files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	var perr *PathError
	if errors.As(err, &perr) {
		return failure.Validation("failed to load policy", perr.Err).WithDetail("file", perr.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for _, p := range policies {
		if err := e.AddPolicy(ctx, p); err != nil {
			return failure.Validation("policy does not compile", err).WithDetail("file", p.Source)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// EvaluatePlan evaluates every enabled policy against the plan. Policies are
// evaluated in name order so results are stable.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, pctx Context) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = startTime.UTC()
	}
	input, err := toInput(Input{Plan: plan.View(), Context: pctx})
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, err
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Check evaluates the plan and converts blocking violations into a
// validation failure. Warnings are logged.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan, pctx Context) (*Result, error) {
	result, err := e.EvaluatePlan(ctx, plan, pctx)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("step", w.Step).Msg(w.Message)
	}
	if result.Allowed {
		return result, nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	ferr := failure.Validation(fmt.Sprintf("plan violates %d policy rule(s): %s", len(msgs), strings.Join(msgs, "; ")), nil).
		WithDetail("violations", result.Violations)
	if first := result.Violations[0]; first.Step != "" {
		ferr = ferr.WithStep(first.Step)
	}
	return result, ferr
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy %s evaluation error: %w", cp.policy.Name, err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Step != violations[j].Step {
			return violations[i].Step < violations[j].Step
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation reads one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if step, ok := v["step"].(string); ok {
			violation.Step = step
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toInput converts the input document to its JSON data model so policies see
// exactly the field names of the serialized plan.
func toInput(in Input) (interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func stringsToValues(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
