package runmanifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalManifest = `
version: "1.0"
target:
  models: [MIROC6]
  variable: pr
  experiment: dcppA-hindcast
  years: {start: 1960, end: 2016}
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	m, err := LoadFromBytes([]byte(minimalManifest))
	require.NoError(t, err)

	assert.Equal(t, MembersDiscovered, m.Target.Members)
	assert.Equal(t, "Amon", m.Target.Table)
	assert.Equal(t, "gn", m.Target.Grid)
	assert.Equal(t, "datos", m.Paths.OutputRoot)
	assert.Equal(t, "_cache_esgf", m.Paths.CacheDir)
	assert.Equal(t, "run_ledger.jsonl", m.Paths.LedgerPath)
	assert.Equal(t, "fetch_tasks.db", m.Paths.RegistryPath)
	assert.Equal(t, 5, m.Fetch.MaxSpanYears)
	require.NotNil(t, m.Fetch.LatestOnly)
	assert.True(t, *m.Fetch.LatestOnly)
	assert.False(t, m.DryRun)

	// Connection tuning stays zero so process-level configuration can
	// layer underneath.
	assert.Zero(t, m.Fetch.Concurrency)
	assert.Zero(t, m.Archive.TimeoutSeconds)
}

func TestLoadFullManifest(t *testing.T) {
	data := `
version: "1.0"
target:
  models: [MIROC6, NorCPM1]
  member_list: [r1i1p1f1, r2i1p1f1]
  variable: pr
  table: Amon
  grid: gn
  experiment: dcppA-hindcast
  years: {start: 1960, end: 2016}
paths:
  output_root: /data/mirror
  cache_dir: /data/cache
fetch:
  concurrency: 8
  rate_limit: 2.5
  max_span_years: 3
archive:
  search_url: https://esgf-node.llnl.gov/esg-search/search
  timeout_seconds: 120
dry_run: true
stages:
  clean-fx: false
policies:
  fetch: {mode: retry, retries: 3, backoff_seconds: 10}
  backfill: {mode: continue}
`
	m, err := LoadFromBytes([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, []string{"r1i1p1f1", "r2i1p1f1"}, m.Target.MemberList)
	assert.Empty(t, m.Target.Members)
	assert.Equal(t, 8, m.Fetch.Concurrency)
	assert.Equal(t, 2.5, m.Fetch.RateLimit)
	assert.True(t, m.DryRun)

	assert.False(t, m.StageEnabled(StageCleanFx))
	assert.True(t, m.StageEnabled(StageFetch))

	p := m.PolicyFor(StageFetch, Policy{Mode: PolicyAbort})
	assert.Equal(t, PolicyRetry, p.Mode)
	assert.Equal(t, 3, p.Retries)
	assert.Equal(t, 10*time.Second, p.Backoff())

	fallback := m.PolicyFor(StageAudit, Policy{Mode: PolicyAbort})
	assert.Equal(t, PolicyAbort, fallback.Mode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalManifest), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"MIROC6"}, m.Target.Models)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{
			name:    "no models",
			mutate:  func(m *Manifest) { m.Target.Models = nil },
			wantErr: "at least one model",
		},
		{
			name:    "missing variable",
			mutate:  func(m *Manifest) { m.Target.Variable = "" },
			wantErr: "target.variable",
		},
		{
			name:    "missing experiment",
			mutate:  func(m *Manifest) { m.Target.Experiment = "" },
			wantErr: "target.experiment",
		},
		{
			name:    "inverted years",
			mutate:  func(m *Manifest) { m.Target.Years = YearRange{Start: 2016, End: 1960} },
			wantErr: "ends before it starts",
		},
		{
			name:    "bad members literal",
			mutate:  func(m *Manifest) { m.Target.Members = "everything" },
			wantErr: "target.members",
		},
		{
			name:    "unknown stage",
			mutate:  func(m *Manifest) { m.Stages = map[string]bool{"compress": true} },
			wantErr: "unknown stage",
		},
		{
			name:    "unknown policy stage",
			mutate:  func(m *Manifest) { m.Policies = map[string]Policy{"compress": {Mode: PolicyAbort}} },
			wantErr: "unknown stage",
		},
		{
			name:    "retry without retries",
			mutate:  func(m *Manifest) { m.Policies = map[string]Policy{StageFetch: {Mode: PolicyRetry}} },
			wantErr: "retries > 0",
		},
		{
			name:    "unknown policy mode",
			mutate:  func(m *Manifest) { m.Policies = map[string]Policy{StageFetch: {Mode: "panic"}} },
			wantErr: "unknown mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadFromBytes([]byte(minimalManifest))
			require.NoError(t, err)
			tt.mutate(m)
			err = m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromBytes([]byte(minimalManifest + "\nbanana: true\n"))
	require.Error(t, err)
}

func TestSortedModels(t *testing.T) {
	m := &Manifest{Target: Target{Models: []string{"NorCPM1", "MIROC6", "NorCPM1", ""}}}
	assert.Equal(t, []string{"MIROC6", "NorCPM1"}, m.SortedModels())
}
