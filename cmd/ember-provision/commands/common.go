package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/config"
	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/flavor"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/policy"
	"github.com/embergraph/provisioner/pkg/stores"
	"github.com/embergraph/provisioner/pkg/telemetry"
	"github.com/embergraph/provisioner/pkg/transports/ssh"
)

const sshScheme = "ssh://"

// newLoader returns an override loader logging through the CLI.
func (a *app) newLoader() (*config.Loader, error) {
	return config.NewLoader(config.WithLogger(a.logger("config")))
}

// resolve merges the override files, then --set values, over the defaults
// and the flavor overlay.
func (a *app) resolve(ctx context.Context) (*attributes.Tree, error) {
	loader, err := a.newLoader()
	if err != nil {
		return nil, err
	}
	return a.resolveWith(ctx, loader)
}

func (a *app) resolveWith(ctx context.Context, loader *config.Loader) (*attributes.Tree, error) {
	overrides, err := loader.Load(ctx, a.opts.attributes...)
	if err != nil {
		return nil, err
	}
	set, err := config.ParseSet(a.opts.set...)
	if err != nil {
		return nil, err
	}
	return attributes.Resolve(overrides.Merge(set))
}

// openStore opens the state database, or returns nil when --state is unset.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.opts.state == "" {
		return nil, nil
	}
	store, err := stores.Open(ctx, a.opts.state)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", a.opts.state, err)
	}
	return store, nil
}

// buildPlan selects the flavor plan. Download checksums are recorded in the
// store when there is one.
func (a *app) buildPlan(tree *attributes.Tree, store *stores.SQLiteStore) (*engine.Plan, error) {
	deps := flavor.Deps{}
	if store != nil {
		deps.Ledger = store
	}
	return flavor.SelectPlan(tree, deps)
}

// checkPolicy evaluates the built-in and --policy rules against the plan.
func (a *app) checkPolicy(ctx context.Context, plan *engine.Plan, hostName string, dryRun bool) (*policy.Result, error) {
	pe, err := policy.NewEngine(a.logger("policy"))
	if err != nil {
		return nil, err
	}
	if len(a.opts.policies) > 0 {
		if err := pe.LoadPolicies(ctx, a.opts.policies); err != nil {
			return nil, err
		}
	}
	return pe.Check(ctx, plan, policy.Context{
		Host:      hostName,
		DryRun:    dryRun,
		Timestamp: time.Now().UTC(),
	})
}

// sshTarget returns the [user@]host[:port] part of an SSH target, or "" for
// the local machine.
func sshTarget(target string) (string, error) {
	switch {
	case target == "" || target == "local":
		return "", nil
	case strings.HasPrefix(target, sshScheme):
		rest := strings.TrimSuffix(strings.TrimPrefix(target, sshScheme), "/")
		if rest == "" {
			return "", fmt.Errorf("invalid target %q: host is required", target)
		}
		return rest, nil
	default:
		return "", fmt.Errorf("invalid target %q: must be local or %s[user@]host[:port]", target, sshScheme)
	}
}

// targetName is the host name used before a connection exists.
func targetName(target string) string {
	remote, err := sshTarget(target)
	if err != nil || remote == "" {
		return host.NewLocal().Name()
	}
	return remote
}

// openHost connects to --target. The returned function releases it.
func (a *app) openHost(ctx context.Context) (host.Host, func(), error) {
	remote, err := sshTarget(a.opts.target)
	if err != nil {
		return nil, nil, err
	}
	if remote == "" {
		return host.NewLocal(), func() {}, nil
	}

	cfg, err := ssh.ParseTarget(remote)
	if err != nil {
		return nil, nil, err
	}
	if a.opts.identity != "" {
		cfg.IdentityFiles = []string{a.opts.identity}
	}
	if a.opts.insecureHostKey {
		cfg.StrictHostKeyChecking = false
	}

	log := a.logger("transport")
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("user", cfg.User).Msg("Connecting")
	h, err := ssh.Dial(log.WithContext(ctx), cfg)
	if err != nil {
		return nil, nil, err
	}
	return h, func() {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close SSH connection")
		}
	}, nil
}

// runOptions controls one convergence.
type runOptions struct {
	dryRun     bool
	reportPath string
}

// converge resolves a fresh plan and executes it against h. The returned
// error is nil only when the run itself could not be started; the report
// carries the run outcome.
func (a *app) converge(ctx context.Context, loader *config.Loader, h host.Host, store *stores.SQLiteStore, ro runOptions) (*engine.Report, error) {
	tree, err := a.resolveWith(ctx, loader)
	if err != nil {
		return nil, err
	}
	plan, err := a.buildPlan(tree, store)
	if err != nil {
		return nil, err
	}
	if _, err := a.checkPolicy(ctx, plan, h.Name(), ro.dryRun); err != nil {
		return nil, err
	}

	opts := append(a.tel.ExecutorOptions(), engine.WithDryRun(ro.dryRun))
	if store != nil {
		opts = append(opts, engine.WithReportSink(store))
	}
	report, runErr := engine.NewExecutor(h, opts...).Execute(ctx, plan)
	if report == nil {
		return nil, runErr
	}
	if ro.reportPath != "" {
		if err := writeJSONFile(ro.reportPath, report); err != nil {
			log := a.logger("cli")
			log.Warn().Err(err).Str("path", ro.reportPath).Msg("Failed to write report")
		}
	}
	if err := a.tel.Flush(ctx); err != nil {
		log := a.logger("cli")
		log.Debug().Err(err).Msg("Telemetry flush failed")
	}
	return report, nil
}

// runOnce opens the store and host, converges once and prints the report.
func (a *app) runOnce(ctx context.Context, command string, out io.Writer, ro runOptions) error {
	ctx, span := a.tel.Tracer.StartCommandSpan(ctx, command, a.opts.target)
	err := a.runOnceTraced(ctx, out, ro)
	telemetry.EndSpan(span, err)
	return err
}

func (a *app) runOnceTraced(ctx context.Context, out io.Writer, ro runOptions) error {
	loader, err := a.newLoader()
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	h, release, err := a.openHost(ctx)
	if err != nil {
		return err
	}
	defer release()

	report, err := a.converge(ctx, loader, h, store, ro)
	if err != nil {
		return err
	}
	if err := report.WriteText(out); err != nil {
		return err
	}
	return reportExit(report)
}

// reportExit converts a run report into the command result.
func reportExit(report *engine.Report) error {
	code := report.ExitCode()
	switch {
	case code == 0:
		return nil
	case report.Status == engine.RunStatusDrifted:
		return &ExitError{Code: code}
	case report.Status == engine.RunStatusCancelled:
		return &ExitError{Code: code, Err: context.Canceled}
	case report.Error != "":
		return exitWith(code, fmt.Errorf("run %s failed at %s (%s): %s", report.RunID, report.FailedStep, report.FailedKind, report.Error))
	default:
		return exitWith(code, fmt.Errorf("run %s %s", report.RunID, report.Status))
	}
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
