package backfill

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
)

// TaskStatus classifies the outcome of one fetch task.
type TaskStatus string

const (
	TaskFetched   TaskStatus = "fetched"
	TaskNoResults TaskStatus = "no_results"
	TaskFailed    TaskStatus = "failed"
	TaskPlanned   TaskStatus = "planned" // dry-run only
)

// TaskResult is the outcome of executing one FetchTask.
type TaskResult struct {
	Task   FetchTask
	Status TaskStatus
	Files  int
	Detail string
	Err    error
}

// Config configures the fetch worker pool.
type Config struct {
	// Concurrency bounds the number of tasks in flight. Default: 4.
	Concurrency int

	// RateLimit caps archive requests per second across all workers.
	// Zero means unlimited.
	RateLimit float64

	// Query carries the run-wide facets (experiment, variable, table,
	// grid, latest). Model, variant, and sub-experiment are filled per
	// task year.
	Query archive.Query

	// CacheDir receives downloads in the archive's member-directory
	// layout; the reorganize stage moves files into their final home.
	CacheDir string

	// DryRun suppresses all archive calls; every task reports as planned.
	DryRun bool
}

// DefaultConcurrency is the fetch worker pool size when unset.
const DefaultConcurrency = 4

// Fetcher executes fetch tasks against the archive client.
//
// Fetcher is safe for single use per stage invocation. Worker completion is
// a synchronization barrier: Run returns only after every worker has
// drained, even on cancellation.
type Fetcher struct {
	client   archive.Client
	registry *ledger.TaskRegistry
	runID    string
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewFetcher creates a fetcher.
//
// registry may be nil (standalone stage invocations without a task
// registry); deduplication then relies on the planner's input alone.
func NewFetcher(client archive.Client, registry *ledger.TaskRegistry, runID string, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{client: client, registry: registry, runID: runID, cfg: cfg, logger: logger}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return f
}

// Run executes all tasks with bounded concurrency and returns one result
// per task, re-sorted into deterministic (model, variant, years) order.
//
// Individual task failures do not abort the pool; the caller derives the
// stage status from the result mix. Run returns a non-nil error only for
// context cancellation, after draining in-flight workers.
func (f *Fetcher) Run(ctx context.Context, tasks []FetchTask) ([]TaskResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	if f.cfg.DryRun {
		results := make([]TaskResult, 0, len(tasks))
		for _, t := range tasks {
			results = append(results, TaskResult{
				Task:   t,
				Status: TaskPlanned,
				Detail: fmt.Sprintf("would fetch years %s", t.YearsLabel()),
			})
		}
		return results, nil
	}

	sem := make(chan struct{}, f.cfg.Concurrency)
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		select {
		case <-ctx.Done():
			results[i] = TaskResult{Task: task, Status: TaskFailed, Err: ctx.Err(), Detail: "cancelled before dispatch"}
			continue
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			// Acquisition raced the cancellation; give the slot back and
			// mark the task undispatched.
			<-sem
			results[i] = TaskResult{Task: task, Status: TaskFailed, Err: ctx.Err(), Detail: "cancelled before dispatch"}
			continue
		}

		wg.Add(1)
		go func(idx int, t FetchTask) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = f.runTask(ctx, t)
		}(i, task)
	}

	wg.Wait()

	ordered := make([]TaskResult, len(results))
	copy(ordered, results)
	sortResults(ordered)

	if err := ctx.Err(); err != nil {
		return ordered, err
	}
	return ordered, nil
}

func (f *Fetcher) runTask(ctx context.Context, task FetchTask) TaskResult {
	f.markTask(ctx, task, ledger.TaskPending, "")

	totalFiles := 0
	var firstErr error
	emptyYears := 0

	for _, year := range task.Years() {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				firstErr = err
				break
			}
		}

		n, err := f.fetchYear(ctx, task, year)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
			f.logger.Warn("fetch year failed",
				zap.String("model", task.Model),
				zap.String("variant", task.Variant),
				zap.Int("year", year),
				zap.Error(err))
		case n == 0:
			emptyYears++
		default:
			totalFiles += n
		}
	}

	res := TaskResult{Task: task, Files: totalFiles}
	switch {
	case firstErr != nil:
		res.Status = TaskFailed
		res.Err = firstErr
		res.Detail = firstErr.Error()
		f.markTask(ctx, task, ledger.TaskFailed, res.Detail)
	case totalFiles == 0:
		res.Status = TaskNoResults
		res.Detail = "archive returned no files for this identity-range"
		f.markTask(ctx, task, ledger.TaskDone, res.Detail)
	default:
		res.Status = TaskFetched
		res.Detail = fmt.Sprintf("fetched %d files (%d empty years)", totalFiles, emptyYears)
		f.markTask(ctx, task, ledger.TaskDone, res.Detail)
	}
	return res
}

// fetchYear searches and downloads one initialization year of the task.
// Files land under the cache in the archive's member-directory layout so
// the reorganizer can route them.
func (f *Fetcher) fetchYear(ctx context.Context, task FetchTask, year int) (int, error) {
	q := f.cfg.Query
	q.Model = task.Model
	q.VariantLabel = task.Variant
	q.SubExperiment = fmt.Sprintf("s%d", year)

	files, err := f.client.Search(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	destDir := filepath.Join(f.cfg.CacheDir, task.Model, fmt.Sprintf("s%d-%s", year, task.Variant))
	fetched := 0
	for _, rf := range files {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		if _, err := f.client.Fetch(ctx, rf, destDir); err != nil {
			return fetched, err
		}
		fetched++
	}
	return fetched, nil
}

func (f *Fetcher) markTask(ctx context.Context, task FetchTask, state ledger.TaskState, detail string) {
	if f.registry == nil {
		return
	}
	if err := f.registry.Mark(ctx, f.runID, task.Key(), task.Model, task.Variant, task.YearsLabel(), state, detail); err != nil {
		f.logger.Warn("task registry update failed", zap.String("task", task.Key()), zap.Error(err))
	}
}

// Partial reports whether the result mix is a partial outcome: at least one
// task failed and at least one did not.
func Partial(results []TaskResult) bool {
	failed, ok := tally(results)
	return failed > 0 && ok > 0
}

// AllFailed reports whether every task failed.
func AllFailed(results []TaskResult) bool {
	failed, ok := tally(results)
	return failed > 0 && ok == 0
}

func tally(results []TaskResult) (failed, ok int) {
	for _, r := range results {
		if r.Status == TaskFailed {
			failed++
		} else {
			ok++
		}
	}
	return failed, ok
}

func sortResults(results []TaskResult) {
	tasks := make([]FetchTask, len(results))
	byKey := make(map[string]TaskResult, len(results))
	for i, r := range results {
		tasks[i] = r.Task
		byKey[r.Task.Key()] = r
	}
	SortTasks(tasks)
	for i, t := range tasks {
		results[i] = byKey[t.Key()]
	}
}
