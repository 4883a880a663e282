// Package runmanifest loads and validates run manifests.
//
// A run manifest is a YAML (or JSON) file describing one mirror run: which
// models and members to track, the variable and year range, where output
// lives, and how each pipeline stage behaves.
//
// Example manifest:
//
//	version: "1.0"
//	target:
//	  models: [MIROC6]
//	  members: discovered
//	  variable: pr
//	  experiment: dcppA-hindcast
//	  years: {start: 1960, end: 2016}
//	paths:
//	  output_root: datos
//	fetch:
//	  concurrency: 4
//	stages:
//	  clean-fx: false
//	policies:
//	  fetch: {mode: retry, retries: 3}
package runmanifest

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names in declared dependency order. StageRunner executes them
// strictly in this order.
const (
	StageExplore    = "explore"
	StageFetch      = "fetch"
	StageReorganize = "reorganize"
	StageCleanFx    = "clean-fx"
	StageAudit      = "audit"
	StageDetectGaps = "detect-gaps"
	StageBackfill   = "backfill"
	StageAuditFinal = "audit-final"
)

// StageOrder is the fixed execution order of pipeline stages.
var StageOrder = []string{
	StageExplore,
	StageFetch,
	StageReorganize,
	StageCleanFx,
	StageAudit,
	StageDetectGaps,
	StageBackfill,
	StageAuditFinal,
}

// PolicyMode selects how a stage failure is handled.
type PolicyMode string

const (
	PolicyAbort    PolicyMode = "abort"
	PolicyContinue PolicyMode = "continue"
	PolicyRetry    PolicyMode = "retry"
)

// Policy is one stage's failure policy.
type Policy struct {
	Mode           PolicyMode `json:"mode" yaml:"mode"`
	Retries        int        `json:"retries,omitempty" yaml:"retries,omitempty"`
	BackoffSeconds int        `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
}

// Backoff returns the configured retry backoff.
func (p Policy) Backoff() time.Duration {
	return time.Duration(p.BackoffSeconds) * time.Second
}

// YearRange is an inclusive year interval.
type YearRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Target describes the coverage target of the run.
type Target struct {
	Models []string `json:"models" yaml:"models"`

	// Members is either the literal "discovered" or a comma-free explicit
	// list under MemberList. Default: discovered.
	Members    string   `json:"members,omitempty" yaml:"members,omitempty"`
	MemberList []string `json:"member_list,omitempty" yaml:"member_list,omitempty"`

	Variable   string    `json:"variable" yaml:"variable"`
	Table      string    `json:"table,omitempty" yaml:"table,omitempty"`
	Grid       string    `json:"grid,omitempty" yaml:"grid,omitempty"`
	Experiment string    `json:"experiment" yaml:"experiment"`
	Years      YearRange `json:"years" yaml:"years"`
}

// Paths locates the run's on-disk artifacts.
type Paths struct {
	OutputRoot      string `json:"output_root" yaml:"output_root"`
	CacheDir        string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	LedgerPath      string `json:"ledger,omitempty" yaml:"ledger,omitempty"`
	RegistryPath    string `json:"task_registry,omitempty" yaml:"task_registry,omitempty"`
	GapReport       string `json:"gap_report,omitempty" yaml:"gap_report,omitempty"`
	ExecutionReport string `json:"execution_report,omitempty" yaml:"execution_report,omitempty"`
}

// Fetch configures the fetch/backfill worker pool. Zero-valued tuning
// fields defer to process-level configuration (config file, environment),
// then to library defaults.
type Fetch struct {
	Concurrency  int     `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	RateLimit    float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	MaxSpanYears int     `json:"max_span_years,omitempty" yaml:"max_span_years,omitempty"`
	LatestOnly   *bool   `json:"latest_only,omitempty" yaml:"latest_only,omitempty"`
}

// Archive configures the remote archive client. Zero-valued fields defer
// to process-level configuration, then to the client's defaults.
type Archive struct {
	SearchURL      string `json:"search_url,omitempty" yaml:"search_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	PageSize       int    `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// Manifest is a validated run manifest.
type Manifest struct {
	Version string  `json:"version" yaml:"version"`
	Target  Target  `json:"target" yaml:"target"`
	Paths   Paths   `json:"paths" yaml:"paths"`
	Fetch   Fetch   `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	Archive Archive `json:"archive,omitempty" yaml:"archive,omitempty"`

	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`

	// Stages maps stage name -> enabled. Stages absent from the map are
	// enabled.
	Stages map[string]bool `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Policies maps stage name -> failure policy. Stages absent from the
	// map get the per-stage default.
	Policies map[string]Policy `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// MembersDiscovered is the Target.Members value selecting snapshot-time
// discovery.
const MembersDiscovered = "discovered"

// Load reads and validates a manifest file. YAML is the native format;
// JSON parses as a YAML subset.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found: %s", path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
func LoadFromBytes(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}

	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyDefaults fills optional fields with their documented defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "1.0"
	}
	if m.Target.Members == "" && len(m.Target.MemberList) == 0 {
		m.Target.Members = MembersDiscovered
	}
	if m.Target.Table == "" {
		m.Target.Table = "Amon"
	}
	if m.Target.Grid == "" {
		m.Target.Grid = "gn"
	}
	if m.Paths.OutputRoot == "" {
		m.Paths.OutputRoot = "datos"
	}
	if m.Paths.CacheDir == "" {
		m.Paths.CacheDir = "_cache_esgf"
	}
	if m.Paths.LedgerPath == "" {
		m.Paths.LedgerPath = "run_ledger.jsonl"
	}
	if m.Paths.RegistryPath == "" {
		m.Paths.RegistryPath = "fetch_tasks.db"
	}
	if m.Paths.GapReport == "" {
		m.Paths.GapReport = "gap_report.csv"
	}
	if m.Paths.ExecutionReport == "" {
		m.Paths.ExecutionReport = "execution_report.csv"
	}
	if m.Fetch.MaxSpanYears <= 0 {
		m.Fetch.MaxSpanYears = 5
	}
	if m.Fetch.LatestOnly == nil {
		latest := true
		m.Fetch.LatestOnly = &latest
	}
}

// Validate checks the manifest field by field and returns the first
// problem found.
func (m *Manifest) Validate() error {
	if m.Version != "1.0" {
		return fmt.Errorf("manifest: unsupported version %q", m.Version)
	}
	if len(m.Target.Models) == 0 {
		return fmt.Errorf("manifest: target.models requires at least one model")
	}
	if m.Target.Variable == "" {
		return fmt.Errorf("manifest: target.variable is required")
	}
	if m.Target.Experiment == "" {
		return fmt.Errorf("manifest: target.experiment is required")
	}
	if m.Target.Years.Start == 0 || m.Target.Years.End == 0 {
		return fmt.Errorf("manifest: target.years start and end are required")
	}
	if m.Target.Years.End < m.Target.Years.Start {
		return fmt.Errorf("manifest: target.years %d-%d ends before it starts", m.Target.Years.Start, m.Target.Years.End)
	}
	if m.Target.Members != "" && m.Target.Members != MembersDiscovered {
		return fmt.Errorf("manifest: target.members must be %q or omitted in favor of member_list, got %q", MembersDiscovered, m.Target.Members)
	}
	for name := range m.Stages {
		if !knownStage(name) {
			return fmt.Errorf("manifest: stages: unknown stage %q (known: %s)", name, strings.Join(StageOrder, ", "))
		}
	}
	for name, p := range m.Policies {
		if !knownStage(name) {
			return fmt.Errorf("manifest: policies: unknown stage %q", name)
		}
		switch p.Mode {
		case PolicyAbort, PolicyContinue:
		case PolicyRetry:
			if p.Retries <= 0 {
				return fmt.Errorf("manifest: policies.%s: retry mode requires retries > 0", name)
			}
		default:
			return fmt.Errorf("manifest: policies.%s: unknown mode %q", name, p.Mode)
		}
	}
	return nil
}

// StageEnabled reports whether a stage is enabled. Absent stages default
// to enabled.
func (m *Manifest) StageEnabled(name string) bool {
	if m.Stages == nil {
		return true
	}
	enabled, ok := m.Stages[name]
	if !ok {
		return true
	}
	return enabled
}

// PolicyFor returns the failure policy for a stage, falling back to the
// given default when the manifest does not override it.
func (m *Manifest) PolicyFor(name string, fallback Policy) Policy {
	if p, ok := m.Policies[name]; ok {
		return p
	}
	return fallback
}

// SortedModels returns the target models sorted and deduplicated.
func (m *Manifest) SortedModels() []string {
	seen := make(map[string]struct{}, len(m.Target.Models))
	var models []string
	for _, model := range m.Target.Models {
		if model == "" {
			continue
		}
		if _, ok := seen[model]; ok {
			continue
		}
		seen[model] = struct{}{}
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func knownStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}
