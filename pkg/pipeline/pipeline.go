// Package pipeline orchestrates the mirror run as an ordered sequence of
// stages over a shared run context.
//
// The runner owns sequencing, failure policy, and ledger recording; stages
// own their domain work and report an outcome. Stages never talk to each
// other directly: everything they exchange goes through the RunContext
// blackboard, which keeps each stage independently invokable from the CLI.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive"
	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inventory"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

// RunContext carries everything a stage needs: the immutable run
// configuration plus the mutable blackboard stages hand results through.
type RunContext struct {
	RunID    string
	Manifest *runmanifest.Manifest
	Logger   *zap.Logger

	Archive  archive.Client
	Registry *ledger.TaskRegistry
	Scanner  *inventory.Scanner

	// Blackboard. Written by earlier stages, read by later ones.

	// Members is the per-model member snapshot taken by the explore stage.
	// It is captured once and held fixed for the rest of the run, so every
	// later stage reasons about the same expected set.
	Members map[string][]string

	// Snapshot is the most recent inventory scan.
	Snapshot *inventory.Snapshot

	// Gaps and Warnings are the detect-gaps output consumed by backfill
	// and the gap report.
	Gaps     []coverage.Gap
	Warnings []coverage.Warning
}

// CoverageSpec derives the coverage target from the manifest.
func (rc *RunContext) CoverageSpec() coverage.Spec {
	sel := coverage.MemberSelection{Mode: coverage.MembersDiscovered}
	if len(rc.Manifest.Target.MemberList) > 0 {
		sel = coverage.MemberSelection{Mode: coverage.MembersExplicit, Members: rc.Manifest.Target.MemberList}
	}
	return coverage.Spec{
		Models:    rc.Manifest.SortedModels(),
		Members:   sel,
		Variable:  rc.Manifest.Target.Variable,
		YearStart: rc.Manifest.Target.Years.Start,
		YearEnd:   rc.Manifest.Target.Years.End,
	}
}

// Outcome is what a stage reports on success. A stage that partially
// succeeded returns StatusPartial with a nil error; the run continues.
type Outcome struct {
	Status ledger.StageStatus
	Detail string
	Counts map[string]int64
}

// Succeeded is the common all-good outcome.
func Succeeded(detail string, counts map[string]int64) Outcome {
	return Outcome{Status: ledger.StatusSucceeded, Detail: detail, Counts: counts}
}

// StageFunc executes one stage against the run context.
type StageFunc func(ctx context.Context, rc *RunContext) (Outcome, error)

// Stage is one named pipeline step.
type Stage struct {
	Name string
	Run  StageFunc
}

// DefaultPolicies returns the built-in per-stage failure policies. Stages
// whose output every later stage depends on abort the run; repair stages
// default to continue so one bad archive node does not waste the rest of
// the pass.
func DefaultPolicies() map[string]runmanifest.Policy {
	return map[string]runmanifest.Policy{
		runmanifest.StageExplore:    {Mode: runmanifest.PolicyAbort},
		runmanifest.StageFetch:      {Mode: runmanifest.PolicyContinue},
		runmanifest.StageReorganize: {Mode: runmanifest.PolicyAbort},
		runmanifest.StageCleanFx:    {Mode: runmanifest.PolicyContinue},
		runmanifest.StageAudit:      {Mode: runmanifest.PolicyAbort},
		runmanifest.StageDetectGaps: {Mode: runmanifest.PolicyAbort},
		runmanifest.StageBackfill:   {Mode: runmanifest.PolicyContinue},
		runmanifest.StageAuditFinal: {Mode: runmanifest.PolicyContinue},
	}
}

// RunReport is the runner's terminal summary.
type RunReport struct {
	RunID   string
	State   ledger.RunState
	Results []ledger.StageResult
	Summary ledger.Summary
}

// Runner drives stages in order under the manifest's policies, recording
// every terminal stage status in the execution ledger.
type Runner struct {
	stages []Stage
	ledger *ledger.Ledger
	logger *zap.Logger

	// sleep is swapped out in tests so retry backoff does not stall them.
	sleep func(time.Duration)
}

// NewRunner creates a runner over the given stage sequence.
func NewRunner(stages []Stage, led *ledger.Ledger, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{stages: stages, ledger: led, logger: logger, sleep: time.Sleep}
}

// Run executes the pipeline. The returned report's State is RunCompleted
// when every stage reached a terminal status under its policy, RunAborted
// when an abort policy fired or the context was cancelled between stages.
//
// The error return is reserved for infrastructure failures (a ledger write
// that cannot land); stage failures are policy matters, not errors.
func (r *Runner) Run(ctx context.Context, rc *RunContext) (RunReport, error) {
	report := RunReport{RunID: rc.RunID, State: ledger.RunInitialized}
	defaults := DefaultPolicies()

	report.State = ledger.RunExecuting
	r.logger.Info("run started", zap.String("run_id", rc.RunID), zap.Bool("dry_run", rc.Manifest.DryRun))

	for _, stage := range r.stages {
		// Cooperative stop point. A cancellation lands between stages,
		// never inside one.
		if ctx.Err() != nil {
			r.logger.Warn("run cancelled between stages", zap.String("next_stage", stage.Name))
			report.State = ledger.RunAborted
			break
		}

		if !rc.Manifest.StageEnabled(stage.Name) {
			res := ledger.StageResult{
				Stage:     stage.Name,
				Status:    ledger.StatusSkipped,
				StartedAt: time.Now().UTC(),
				EndedAt:   time.Now().UTC(),
				Detail:    "disabled by configuration",
			}
			if err := r.record(&report, res); err != nil {
				return report, err
			}
			continue
		}

		policy := rc.Manifest.PolicyFor(stage.Name, defaults[stage.Name])
		res := r.executeStage(ctx, rc, stage, policy)
		if err := r.record(&report, res); err != nil {
			return report, err
		}

		if res.Status == ledger.StatusFailed && policy.Mode == runmanifest.PolicyAbort {
			r.logger.Error("stage failed under abort policy, stopping run",
				zap.String("stage", stage.Name), zap.String("error", res.Error))
			report.State = ledger.RunAborted
			break
		}
	}

	if report.State == ledger.RunExecuting {
		report.State = ledger.RunCompleted
	}
	report.Summary = ledger.Summarize(report.Results)
	r.logger.Info("run finished",
		zap.String("run_id", rc.RunID),
		zap.String("state", string(report.State)),
		zap.Int("stages", report.Summary.Total),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("partial", report.Summary.Partial))
	return report, nil
}

// executeStage runs one stage to a terminal status, applying the retry
// policy. Permanent archive errors are not retried: repeating the same
// rejected request cannot change the answer.
func (r *Runner) executeStage(ctx context.Context, rc *RunContext, stage Stage, policy runmanifest.Policy) ledger.StageResult {
	attempts := 1
	if policy.Mode == runmanifest.PolicyRetry {
		attempts += policy.Retries
	}

	started := time.Now().UTC()
	var outcome Outcome
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		r.logger.Info("stage started", zap.String("stage", stage.Name), zap.Int("attempt", attempt))
		outcome, err = stage.Run(ctx, rc)
		if err == nil {
			break
		}

		r.logger.Warn("stage attempt failed",
			zap.String("stage", stage.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == attempts || archive.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if backoff := policy.Backoff(); backoff > 0 {
			r.sleep(backoff)
		}
	}

	res := ledger.StageResult{
		Stage:     stage.Name,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	if err != nil {
		res.Status = ledger.StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = outcome.Status
	res.Detail = outcome.Detail
	res.Counts = outcome.Counts
	if res.Status == "" {
		res.Status = ledger.StatusSucceeded
	}
	return res
}

func (r *Runner) record(report *RunReport, res ledger.StageResult) error {
	report.Results = append(report.Results, res)
	if r.ledger == nil {
		return nil
	}
	if err := r.ledger.Record(res); err != nil {
		return fmt.Errorf("record stage %s: %w", res.Stage, err)
	}
	return nil
}
