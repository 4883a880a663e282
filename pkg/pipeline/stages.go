package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive"
	"github.com/luisjaime-estudio/descargar-datos/pkg/backfill"
	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inventory"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
	"github.com/luisjaime-estudio/descargar-datos/pkg/organize"
	"github.com/luisjaime-estudio/descargar-datos/pkg/report"
	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

// StandardStages returns the full stage sequence in execution order.
func StandardStages() []Stage {
	return []Stage{
		{Name: runmanifest.StageExplore, Run: ExploreStage},
		{Name: runmanifest.StageFetch, Run: FetchStage},
		{Name: runmanifest.StageReorganize, Run: ReorganizeStage},
		{Name: runmanifest.StageCleanFx, Run: CleanFxStage},
		{Name: runmanifest.StageAudit, Run: AuditStage},
		{Name: runmanifest.StageDetectGaps, Run: DetectGapsStage},
		{Name: runmanifest.StageBackfill, Run: BackfillStage},
		{Name: runmanifest.StageAuditFinal, Run: AuditFinalStage},
	}
}

// ExploreStage snapshots the member list per model. The snapshot is taken
// once and held fixed for the rest of the run. Discovery only reads the
// archive, so it runs even under dry-run.
func ExploreStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	m := rc.Manifest
	rc.Members = make(map[string][]string, len(m.Target.Models))

	if len(m.Target.MemberList) > 0 {
		for _, model := range m.SortedModels() {
			rc.Members[model] = append([]string(nil), m.Target.MemberList...)
		}
		return Succeeded(
			fmt.Sprintf("explicit member list: %d members across %d models", len(m.Target.MemberList), len(rc.Members)),
			map[string]int64{"models": int64(len(rc.Members)), "members": int64(len(m.Target.MemberList) * len(rc.Members))},
		), nil
	}

	total := 0
	for _, model := range m.SortedModels() {
		q := baseQuery(m)
		q.Model = model
		members, err := archive.DiscoverMembers(ctx, rc.Archive, q)
		if err != nil {
			return Outcome{}, fmt.Errorf("explore %s: %w", model, err)
		}
		rc.Members[model] = members
		total += len(members)
		rc.Logger.Info("members discovered", zap.String("model", model), zap.Int("members", len(members)))
	}

	return Succeeded(
		fmt.Sprintf("discovered %d members across %d models", total, len(rc.Members)),
		map[string]int64{"models": int64(len(rc.Members)), "members": int64(total)},
	), nil
}

// FetchStage plans the full requested range for every tracked member and
// executes the resulting tasks. It shares the planner and fetcher with
// backfill, so dedup against the task registry applies here too.
func FetchStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	m := rc.Manifest
	gaps := backfill.FullRangeGaps(m.SortedModels(), rc.Members, m.Target.Years.Start, m.Target.Years.End)
	return runFetchTasks(ctx, rc, gaps)
}

// ReorganizeStage moves downloaded files from the cache tree into the
// curated output layout.
func ReorganizeStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	m := rc.Manifest
	r := &organize.Reorganizer{DryRun: m.DryRun, Logger: rc.Logger}
	stats, err := r.Run(ctx, m.Paths.CacheDir, m.Paths.OutputRoot)
	if err != nil {
		return Outcome{}, err
	}

	out := Succeeded(stats.String(), moveCounts(stats))
	if stats.Errors > 0 {
		out.Status = ledger.StatusPartial
	}
	return out, nil
}

// CleanFxStage removes fixed-field auxiliary data from the output tree.
func CleanFxStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	m := rc.Manifest
	c := &organize.FxCleaner{DryRun: m.DryRun, Logger: rc.Logger}
	stats, err := c.Run(ctx, m.Paths.OutputRoot)
	if err != nil {
		return Outcome{}, err
	}
	return Succeeded(stats.String(), map[string]int64{
		"dirs_removed":  int64(stats.DirsRemoved),
		"files_removed": int64(stats.FilesRemoved),
	}), nil
}

// AuditStage scans the output tree and records integrity statistics. The
// snapshot lands on the blackboard for detect-gaps to reuse.
func AuditStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	summary, err := scanAndAudit(ctx, rc)
	if err != nil {
		return Outcome{}, err
	}
	return Succeeded(summary.String(), auditCounts(summary)), nil
}

// DetectGapsStage compares expected coverage against the latest snapshot,
// publishes the gaps on the blackboard, and writes the gap report.
func DetectGapsStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	if rc.Snapshot == nil {
		if _, err := scanAndAudit(ctx, rc); err != nil {
			return Outcome{}, err
		}
	}
	if rc.Members == nil {
		return Outcome{}, fmt.Errorf("detect gaps: no member snapshot; explore must run first")
	}

	spec := rc.CoverageSpec()
	if err := spec.Validate(); err != nil {
		return Outcome{}, err
	}

	expected, warnings := coverage.ExpectedUnits(spec, rc.Members)
	present := rc.Snapshot.PresentUnits()
	gaps := coverage.Detect(expected, present)

	rc.Gaps = gaps
	rc.Warnings = warnings

	missing := coverage.MissingYears(gaps)
	if err := report.WriteGapReport(rc.Manifest.Paths.GapReport, gaps, warnings, time.Now().UTC()); err != nil {
		return Outcome{}, err
	}

	for _, w := range warnings {
		rc.Logger.Warn("model contributed no expected units", zap.String("model", w.Model), zap.String("reason", w.Reason))
	}

	return Succeeded(
		fmt.Sprintf("%d gaps, %d missing years, %d warnings", len(gaps), missing, len(warnings)),
		map[string]int64{
			"gaps":          int64(len(gaps)),
			"missing_years": int64(missing),
			"warnings":      int64(len(warnings)),
		},
	), nil
}

// BackfillStage fetches the detected gaps and folds the downloads into the
// output layout.
func BackfillStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	out, err := runFetchTasks(ctx, rc, rc.Gaps)
	if err != nil {
		return Outcome{}, err
	}
	if rc.Manifest.DryRun || out.Counts["tasks"] == 0 {
		return out, nil
	}

	m := rc.Manifest
	r := &organize.Reorganizer{DryRun: m.DryRun, Logger: rc.Logger}
	stats, err := r.Run(ctx, m.Paths.CacheDir, m.Paths.OutputRoot)
	if err != nil {
		return Outcome{}, err
	}
	out.Detail += "; " + stats.String()
	for k, v := range moveCounts(stats) {
		out.Counts[k] = v
	}
	return out, nil
}

// AuditFinalStage rescans after backfill and reports how much of the target
// is still missing, so convergence is visible in the ledger.
func AuditFinalStage(ctx context.Context, rc *RunContext) (Outcome, error) {
	summary, err := scanAndAudit(ctx, rc)
	if err != nil {
		return Outcome{}, err
	}

	counts := auditCounts(summary)
	detail := summary.String()

	if rc.Members != nil {
		expected, _ := coverage.ExpectedUnits(rc.CoverageSpec(), rc.Members)
		remaining := coverage.Detect(expected, rc.Snapshot.PresentUnits())
		missing := coverage.MissingYears(remaining)
		counts["remaining_gaps"] = int64(len(remaining))
		counts["remaining_missing_years"] = int64(missing)
		detail = fmt.Sprintf("%s; %d gaps remain (%d missing years)", detail, len(remaining), missing)
	}

	return Succeeded(detail, counts), nil
}

// runFetchTasks is the shared plan-and-execute core of the fetch and
// backfill stages.
func runFetchTasks(ctx context.Context, rc *RunContext, gaps []coverage.Gap) (Outcome, error) {
	m := rc.Manifest

	var requested map[string]struct{}
	if rc.Registry != nil {
		var err error
		requested, err = rc.Registry.RequestedKeys(ctx, rc.RunID)
		if err != nil {
			return Outcome{}, err
		}
	}

	planner := backfill.Planner{MaxSpanYears: m.Fetch.MaxSpanYears}
	tasks := planner.Plan(gaps, requested)
	if len(tasks) == 0 {
		return Succeeded("no tasks to execute", map[string]int64{"tasks": 0}), nil
	}

	fetcher := backfill.NewFetcher(rc.Archive, rc.Registry, rc.RunID, backfill.Config{
		Concurrency: m.Fetch.Concurrency,
		RateLimit:   m.Fetch.RateLimit,
		Query:       baseQuery(m),
		CacheDir:    m.Paths.CacheDir,
		DryRun:      m.DryRun,
	}, rc.Logger)

	results, err := fetcher.Run(ctx, tasks)
	if err != nil {
		return Outcome{}, err
	}

	counts := map[string]int64{"tasks": int64(len(results))}
	var files, failed, empty, planned int64
	for _, r := range results {
		files += int64(r.Files)
		switch r.Status {
		case backfill.TaskFailed:
			failed++
		case backfill.TaskNoResults:
			empty++
		case backfill.TaskPlanned:
			planned++
		}
	}
	counts["files"] = files
	counts["failed_tasks"] = failed
	counts["empty_tasks"] = empty

	if m.DryRun {
		return Succeeded(fmt.Sprintf("%s planned (dry run)", countNoun(planned, "task")), counts), nil
	}

	switch {
	case backfill.AllFailed(results):
		return Outcome{}, fmt.Errorf("all %d fetch tasks failed: %w", len(results), firstTaskError(results))
	case backfill.Partial(results):
		return Outcome{
			Status: ledger.StatusPartial,
			Detail: fmt.Sprintf("%d/%d tasks failed, %s fetched", failed, len(results), countNoun(files, "file")),
			Counts: counts,
		}, nil
	default:
		return Succeeded(fmt.Sprintf("%s, %s fetched, %d empty", countNoun(int64(len(results)), "task"), countNoun(files, "file"), empty), counts), nil
	}
}

func countNoun(n int64, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func firstTaskError(results []backfill.TaskResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return fmt.Errorf("unknown task failure")
}

func scanAndAudit(ctx context.Context, rc *RunContext) (inventory.AuditSummary, error) {
	root := rc.Manifest.Paths.OutputRoot
	if _, err := os.Stat(root); os.IsNotExist(err) {
		// Nothing mirrored yet. An empty snapshot means every expected
		// unit is a gap, which is exactly right for a first run.
		rc.Snapshot = &inventory.Snapshot{Root: root, ScannedAt: time.Now().UTC()}
		return inventory.Audit(rc.Snapshot, inventory.DefaultAnomalyThreshold), nil
	}

	snap, err := rc.Scanner.Scan(ctx, root)
	if err != nil {
		return inventory.AuditSummary{}, err
	}
	rc.Snapshot = snap
	return inventory.Audit(snap, inventory.DefaultAnomalyThreshold), nil
}

func auditCounts(s inventory.AuditSummary) map[string]int64 {
	return map[string]int64{
		"files":          int64(s.Files),
		"invalid":        int64(s.InvalidFiles),
		"conflicts":      int64(s.Conflicts),
		"parse_failures": int64(s.ParseFailures),
		"size_anomalies": int64(s.AnomalyCount),
	}
}

func moveCounts(stats organize.MoveStats) map[string]int64 {
	return map[string]int64{
		"moved":        int64(stats.Moved),
		"move_skipped": int64(stats.Skipped),
		"move_errors":  int64(stats.Errors),
	}
}

func baseQuery(m *runmanifest.Manifest) archive.Query {
	latest := true
	if m.Fetch.LatestOnly != nil {
		latest = *m.Fetch.LatestOnly
	}
	return archive.Query{
		Experiment: m.Target.Experiment,
		Variable:   m.Target.Variable,
		Table:      m.Target.Table,
		Grid:       m.Target.Grid,
		LatestOnly: latest,
	}
}
