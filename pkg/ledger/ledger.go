// Package ledger records stage outcomes and fetch-task state for one run.
//
// The execution ledger is an append-only JSONL file: one flushed line per
// stage result, never rewritten. It is the sole source for the consolidated
// report and can be reconstructed from a crashed run's partial file.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StageStatus is the terminal status of one stage execution.
type StageStatus string

const (
	StatusSkipped   StageStatus = "skipped"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusPartial   StageStatus = "partial"
)

// RunState is the overall state of a pipeline run.
type RunState string

const (
	RunInitialized RunState = "initialized"
	RunExecuting   RunState = "executing"
	RunCompleted   RunState = "completed"
	RunAborted     RunState = "aborted"
)

// StageResult is one finalized stage outcome. Results are immutable once
// appended.
type StageResult struct {
	Stage     string           `json:"stage"`
	Status    StageStatus      `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Detail    string           `json:"detail,omitempty"`
	Counts    map[string]int64 `json:"counts,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// envelope is the JSONL line format, matching one self-contained record per
// line so partial files parse cleanly up to the crash point.
type envelope struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// TypeStageResult identifies stage result records.
const TypeStageResult = "descargar.stage_result.v1"

// Ledger is the append-only stage result log. Safe for concurrent use;
// line writes are serialized and each entry is flushed to disk before
// Record returns.
type Ledger struct {
	mu      sync.Mutex
	f       *os.File
	runID   string
	path    string
	results []StageResult
}

// Open creates or appends to the ledger file at path.
func Open(path, runID string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{f: f, runID: runID, path: path}, nil
}

// Record appends one stage result and flushes it durably.
func (l *Ledger) Record(res StageResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	line, err := json.Marshal(envelope{
		Type:  TypeStageResult,
		TS:    time.Now().UTC(),
		RunID: l.runID,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}

	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}

	l.results = append(l.results, res)
	return nil
}

// Results returns a copy of the results recorded through this handle, in
// append order.
func (l *Ledger) Results() []StageResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StageResult, len(l.results))
	copy(out, l.results)
	return out
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Close releases the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Summary aggregates the recorded results into run-level counts.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Partial   int
}

// HasFailure reports whether any stage failed outright.
func (s Summary) HasFailure() bool { return s.Failed > 0 }

// HasPartial reports whether any stage finished partially.
func (s Summary) HasPartial() bool { return s.Partial > 0 }

// Summary computes aggregate counts over the recorded results.
func (l *Ledger) Summary() Summary {
	return Summarize(l.Results())
}

// Summarize computes aggregate counts over an arbitrary result list, such
// as one reloaded from a crashed run's file.
func Summarize(results []StageResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusPartial:
			s.Partial++
		}
	}
	return s
}

// Load reads stage results back from a ledger file. Lines that do not parse
// (a torn final write from a crash) are skipped; everything before them is
// returned.
func Load(path string) ([]StageResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer f.Close()

	var results []StageResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Type != TypeStageResult {
			continue
		}
		var res StageResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			continue
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return results, fmt.Errorf("load ledger: %w", err)
	}
	return results, nil
}
