// Package engine executes provisioning plans.
//
// # Overview
//
// A Plan is an ordered list of resource steps selected for one install
// flavor. The Executor walks the list strictly in order and drives each step
// through a small state machine:
//
//	Pending -> Probing -> Satisfied
//	                   -> Applying -> Applied
//	                               -> Failed
//
// A step whose guard evaluates false is Skipped without probing. A step with
// a declared retry policy returns to Probing after a failed attempt, up to its
// attempt limit, with a constant delay between attempts. Every other failure
// halts the run immediately; the remaining steps stay pending.
//
// # Ordering
//
// Declaration order is the only ordering. BuildGraph derives the implicit
// dependencies between steps (account creation before ownership, notifier
// before subscriber) and Plan.Validate rejects a plan in which any of them
// points backwards.
//
// # Reports
//
// Every run produces a Report listing each step's outcome in plan order. On
// failure it names the failing step and the error kind. ExitCode maps the
// report to a process exit status.
//
// # Usage
//
//	exec := engine.NewExecutor(h,
//	    engine.WithLogger(logger),
//	    engine.WithRecorder(metrics),
//	    engine.WithReportSink(store),
//	)
//	report, err := exec.Execute(ctx, plan)
//	if err != nil {
//	    os.Exit(report.ExitCode())
//	}
package engine
