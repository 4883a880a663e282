// Package report renders run artifacts for humans: the gap report and the
// consolidated execution report, both CSV.
//
// CSV is deliberate here. These files get opened in spreadsheets and diffed
// between runs by curators, so rows are written in deterministic order.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
)

// gapHeader is the gap report column set. first/last_missing_year bound one
// contiguous missing run inclusively.
var gapHeader = []string{"model", "variant_label", "first_missing_year", "last_missing_year", "run_timestamp"}

// executionHeader is the consolidated execution report column set.
var executionHeader = []string{"stage_name", "status", "started_at", "ended_at", "detail"}

// WriteGapReport writes one row per detected gap plus one sentinel row per
// warning (a model with no members has an empty variant and zero years, so
// it is visible in the report instead of silently contributing nothing).
func WriteGapReport(path string, gaps []coverage.Gap, warnings []coverage.Warning, runTS time.Time) error {
	ts := runTS.UTC().Format(time.RFC3339)

	rows := make([][]string, 0, len(gaps)+len(warnings))
	for _, g := range gaps {
		rows = append(rows, []string{
			g.Model,
			g.Variant,
			strconv.Itoa(g.FirstYear),
			strconv.Itoa(g.LastYear),
			ts,
		})
	}
	for _, w := range warnings {
		rows = append(rows, []string{w.Model, "", "0", "0", ts})
	}

	if err := writeCSV(path, gapHeader, rows); err != nil {
		return fmt.Errorf("gap report: %w", err)
	}
	return nil
}

// WriteExecutionReport writes one row per recorded stage result, in ledger
// append order.
func WriteExecutionReport(path string, results []ledger.StageResult) error {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		detail := r.Detail
		if r.Error != "" {
			detail = r.Error
		}
		rows = append(rows, []string{
			r.Stage,
			string(r.Status),
			r.StartedAt.UTC().Format(time.RFC3339),
			r.EndedAt.UTC().Format(time.RFC3339),
			detail,
		})
	}

	if err := writeCSV(path, executionHeader, rows); err != nil {
		return fmt.Errorf("execution report: %w", err)
	}
	return nil
}

// writeCSV writes header+rows atomically: a crash mid-write never leaves a
// truncated report where a previous complete one stood.
func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
