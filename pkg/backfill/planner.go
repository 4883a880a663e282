// Package backfill turns detected coverage gaps into fetch work.
//
// The planner deduplicates against tasks already requested this run and
// bounds individual task size; the fetcher executes tasks on a bounded
// worker pool with per-task failure isolation.
package backfill

import (
	"fmt"
	"sort"

	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
)

// FetchTask is one request unit handed to the archive client: a contiguous
// year range for a single (model, variant).
type FetchTask struct {
	Model     string
	Variant   string
	FirstYear int
	LastYear  int
}

// Key is the deduplication key for a task within a run.
func (t FetchTask) Key() string {
	return fmt.Sprintf("%s|%s|%d-%d", t.Model, t.Variant, t.FirstYear, t.LastYear)
}

// YearsLabel renders the year range for journaling and the task registry.
func (t FetchTask) YearsLabel() string {
	return fmt.Sprintf("%d-%d", t.FirstYear, t.LastYear)
}

// Years expands the task's range, ascending.
func (t FetchTask) Years() []int {
	years := make([]int, 0, t.LastYear-t.FirstYear+1)
	for y := t.FirstYear; y <= t.LastYear; y++ {
		years = append(years, y)
	}
	return years
}

// DefaultMaxSpanYears bounds a single task's year range.
const DefaultMaxSpanYears = 5

// Planner converts gaps into deduplicated, span-bounded fetch tasks.
type Planner struct {
	// MaxSpanYears splits tasks longer than this many years. Non-positive
	// values fall back to DefaultMaxSpanYears.
	MaxSpanYears int
}

// Plan produces the tasks for the given gaps, excluding any task whose key
// is already recorded as requested (in flight or completed) this run.
//
// Output order is deterministic: (model, variant, first year) ascending.
// Planning the same gaps twice against the same requested set yields at
// most one task per identity-range.
func (p Planner) Plan(gaps []coverage.Gap, alreadyRequested map[string]struct{}) []FetchTask {
	span := p.MaxSpanYears
	if span <= 0 {
		span = DefaultMaxSpanYears
	}

	seen := make(map[string]struct{})
	var tasks []FetchTask
	for _, gap := range gaps {
		for first := gap.FirstYear; first <= gap.LastYear; first += span {
			last := first + span - 1
			if last > gap.LastYear {
				last = gap.LastYear
			}
			task := FetchTask{Model: gap.Model, Variant: gap.Variant, FirstYear: first, LastYear: last}
			key := task.Key()
			if _, ok := alreadyRequested[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			tasks = append(tasks, task)
		}
	}

	SortTasks(tasks)
	return tasks
}

// SortTasks orders tasks by (model, variant, first year) ascending.
func SortTasks(tasks []FetchTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Model != tasks[j].Model {
			return tasks[i].Model < tasks[j].Model
		}
		if tasks[i].Variant != tasks[j].Variant {
			return tasks[i].Variant < tasks[j].Variant
		}
		return tasks[i].FirstYear < tasks[j].FirstYear
	})
}

// FullRangeGaps builds one synthetic gap per (model, member) covering the
// whole requested year range. The initial fetch stage plans from these, so
// bulk acquisition and backfill share the same task machinery.
func FullRangeGaps(models []string, membersByModel map[string][]string, yearStart, yearEnd int) []coverage.Gap {
	var gaps []coverage.Gap
	for _, model := range models {
		for _, member := range membersByModel[model] {
			gaps = append(gaps, coverage.Gap{
				Model:     model,
				Variant:   member,
				FirstYear: yearStart,
				LastYear:  yearEnd,
			})
		}
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Model != gaps[j].Model {
			return gaps[i].Model < gaps[j].Model
		}
		return gaps[i].Variant < gaps[j].Variant
	})
	return gaps
}
