package coverage

import "sort"

// Gap is one contiguous run of missing years for a (model, variant) pair.
//
// Gaps are derived, never persisted as authoritative state: they are always
// recomputed from the current spec and inventory snapshot, which is what
// makes re-runs idempotent.
type Gap struct {
	Model     string
	Variant   string
	FirstYear int
	LastYear  int
}

// Years expands the gap back into individual missing years, ascending.
func (g Gap) Years() []int {
	years := make([]int, 0, g.LastYear-g.FirstYear+1)
	for y := g.FirstYear; y <= g.LastYear; y++ {
		years = append(years, y)
	}
	return years
}

// Detect computes expected − present and collapses the missing years of each
// (model, variant) group into the fewest contiguous runs. One Gap per run
// keeps the downstream fetch request count minimal.
//
// Output order is deterministic: (model, variant, first missing year)
// ascending, so repeated calls over the same snapshot produce identical,
// diffable results.
func Detect(expected, present Set) []Gap {
	type group struct {
		model, variant string
	}
	missing := make(map[group][]int)
	for unit := range expected {
		if present.Contains(unit) {
			continue
		}
		k := group{model: unit.Model, variant: unit.Variant}
		missing[k] = append(missing[k], unit.Year)
	}

	var gaps []Gap
	for k, years := range missing {
		sort.Ints(years)
		run := Gap{Model: k.model, Variant: k.variant, FirstYear: years[0], LastYear: years[0]}
		for _, y := range years[1:] {
			if y == run.LastYear+1 {
				run.LastYear = y
				continue
			}
			gaps = append(gaps, run)
			run = Gap{Model: k.model, Variant: k.variant, FirstYear: y, LastYear: y}
		}
		gaps = append(gaps, run)
	}

	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Model != gaps[j].Model {
			return gaps[i].Model < gaps[j].Model
		}
		if gaps[i].Variant != gaps[j].Variant {
			return gaps[i].Variant < gaps[j].Variant
		}
		return gaps[i].FirstYear < gaps[j].FirstYear
	})
	return gaps
}

// MissingYears counts the total years covered by a gap list.
func MissingYears(gaps []Gap) int {
	total := 0
	for _, g := range gaps {
		total += g.LastYear - g.FirstYear + 1
	}
	return total
}
