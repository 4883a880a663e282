package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive"
	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inspect"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inventory"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

func zapNop() *zap.Logger { return zap.NewNop() }

// fakeArchive is an in-memory archive node: Search filters the canned file
// list by the query facets, Fetch writes a tiny valid NetCDF file.
type fakeArchive struct {
	mu         sync.Mutex
	files      []archive.RemoteFile
	searchErr  error
	fetchErrs  map[string]error // filename -> error
	fetchCalls int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{fetchErrs: make(map[string]error)}
}

func (f *fakeArchive) addYearFile(model, variant string, year int) {
	name := fmt.Sprintf("pr_Amon_%s_dcppA-hindcast_s%d-%s_gn_%d01-%d12.nc", model, year, variant, year, year)
	f.files = append(f.files, archive.RemoteFile{
		Filename:      name,
		URL:           "http://node.example/" + name,
		Model:         model,
		VariantLabel:  variant,
		SubExperiment: fmt.Sprintf("s%d", year),
	})
}

func (f *fakeArchive) Search(ctx context.Context, q archive.Query) ([]archive.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []archive.RemoteFile
	for _, rf := range f.files {
		if q.Model != "" && rf.Model != q.Model {
			continue
		}
		if q.VariantLabel != "" && rf.VariantLabel != q.VariantLabel {
			continue
		}
		if q.SubExperiment != "" && rf.SubExperiment != q.SubExperiment {
			continue
		}
		out = append(out, rf)
	}
	return out, nil
}

func (f *fakeArchive) Fetch(ctx context.Context, rf archive.RemoteFile, destDir string) (string, error) {
	f.mu.Lock()
	f.fetchCalls++
	err := f.fetchErrs[rf.Filename]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, rf.Filename)
	if err := os.WriteFile(path, []byte("CDF\x01mirrored-data"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestRunContext(t *testing.T, client archive.Client, m *runmanifest.Manifest) *RunContext {
	t.Helper()
	reg, err := ledger.OpenTaskRegistry(context.Background(), m.Paths.RegistryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	return &RunContext{
		RunID:    "run-test",
		Manifest: m,
		Logger:   zapNop(),
		Archive:  client,
		Registry: reg,
		Scanner:  inventory.NewScanner(&inspect.FormatInspector{}, inventory.DefaultConfig(), nil),
	}
}

func csvRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestFullPipelineConverges(t *testing.T) {
	client := newFakeArchive()
	client.addYearFile("MIROC6", "r1i1p1f1", 2000)
	client.addYearFile("MIROC6", "r1i1p1f1", 2001)

	m := testManifest(t)
	rc := newTestRunContext(t, client, m)

	r := NewRunner(StandardStages(), nil, zapNop())
	report, err := r.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, ledger.RunCompleted, report.State)
	require.Len(t, report.Results, len(runmanifest.StageOrder))
	assert.Equal(t, 0, report.Summary.Failed)

	// Files were fetched into the cache and reorganized into the layout.
	assert.FileExists(t, filepath.Join(m.Paths.OutputRoot, "MIROC6", "r1i1p1f1", "s2000",
		"pr_Amon_MIROC6_dcppA-hindcast_s2000-r1i1p1f1_gn_200001-200012.nc"))
	assert.FileExists(t, filepath.Join(m.Paths.OutputRoot, "MIROC6", "r1i1p1f1", "s2001",
		"pr_Amon_MIROC6_dcppA-hindcast_s2001-r1i1p1f1_gn_200101-200112.nc"))

	// Coverage is complete, so the gap report is header-only.
	rows := csvRows(t, m.Paths.GapReport)
	assert.Len(t, rows, 1)

	// The final audit confirms nothing is left missing.
	final := report.Results[len(report.Results)-1]
	assert.Equal(t, runmanifest.StageAuditFinal, final.Stage)
	assert.Equal(t, int64(0), final.Counts["remaining_missing_years"])
	assert.Equal(t, int64(2), final.Counts["files"])
}

func TestPipelineDryRunPlansWithoutFetching(t *testing.T) {
	client := newFakeArchive()
	client.addYearFile("MIROC6", "r1i1p1f1", 2000)
	client.addYearFile("MIROC6", "r1i1p1f1", 2001)

	m := testManifest(t)
	m.DryRun = true
	rc := newTestRunContext(t, client, m)

	r := NewRunner(StandardStages(), nil, zapNop())
	report, err := r.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, ledger.RunCompleted, report.State)
	assert.Equal(t, 0, client.fetchCalls)
	assert.NoDirExists(t, m.Paths.CacheDir)
	assert.NoDirExists(t, m.Paths.OutputRoot)

	var fetchRes ledger.StageResult
	for _, res := range report.Results {
		if res.Stage == runmanifest.StageFetch {
			fetchRes = res
		}
	}
	assert.Equal(t, ledger.StatusSucceeded, fetchRes.Status)
	assert.Contains(t, fetchRes.Detail, "planned")

	// Gap detection still ran against the (empty) local tree.
	rows := csvRows(t, m.Paths.GapReport)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"MIROC6", "r1i1p1f1", "2000", "2001"}, rows[1][:4])
}

func TestPipelinePartialFetchStillCompletes(t *testing.T) {
	client := newFakeArchive()
	client.addYearFile("MIROC6", "r1i1p1f1", 2000)
	client.addYearFile("MIROC6", "r1i1p1f1", 2001)
	client.addYearFile("MIROC6", "r2i1p1f1", 2000)
	client.addYearFile("MIROC6", "r2i1p1f1", 2001)
	for _, rf := range client.files {
		if rf.VariantLabel == "r2i1p1f1" {
			client.fetchErrs[rf.Filename] = fmt.Errorf("%w: HTTP 403", archive.ErrFetchPermanent)
		}
	}

	m := testManifest(t)
	rc := newTestRunContext(t, client, m)

	r := NewRunner(StandardStages(), nil, zapNop())
	report, err := r.Run(context.Background(), rc)
	require.NoError(t, err)

	// One member failed, but continue policies keep the run going to the
	// end: the healthy member is mirrored and the failure is journaled.
	assert.Equal(t, ledger.RunCompleted, report.State)
	assert.GreaterOrEqual(t, report.Summary.Partial+report.Summary.Failed, 1)

	assert.FileExists(t, filepath.Join(m.Paths.OutputRoot, "MIROC6", "r1i1p1f1", "s2000",
		"pr_Amon_MIROC6_dcppA-hindcast_s2000-r1i1p1f1_gn_200001-200012.nc"))

	// The broken member's years remain visible as gaps in the report.
	rows := csvRows(t, m.Paths.GapReport)
	require.Len(t, rows, 2)
	assert.Equal(t, "r2i1p1f1", rows[1][1])
}

func TestPipelineAbortsWhenExploreFails(t *testing.T) {
	client := newFakeArchive()
	client.searchErr = fmt.Errorf("%w: node unreachable", archive.ErrFetchTransient)

	m := testManifest(t)
	rc := newTestRunContext(t, client, m)

	r := NewRunner(StandardStages(), nil, zapNop())
	report, err := r.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, ledger.RunAborted, report.State)
	require.Len(t, report.Results, 1)
	assert.Equal(t, runmanifest.StageExplore, report.Results[0].Stage)
	assert.Equal(t, ledger.StatusFailed, report.Results[0].Status)
}

func TestExploreStageExplicitMembersSkipsDiscovery(t *testing.T) {
	client := newFakeArchive()
	client.searchErr = fmt.Errorf("should not be called")

	m := testManifest(t)
	m.Target.Members = ""
	m.Target.MemberList = []string{"r1i1p1f1", "r2i1p1f1"}
	rc := newTestRunContext(t, client, m)

	out, err := ExploreStage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, out.Status)
	assert.Equal(t, []string{"r1i1p1f1", "r2i1p1f1"}, rc.Members["MIROC6"])
}

func TestDetectGapsRequiresMemberSnapshot(t *testing.T) {
	m := testManifest(t)
	rc := newTestRunContext(t, newFakeArchive(), m)

	_, err := DetectGapsStage(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explore must run first")
}

func TestBackfillDryRunReportsPlannedTaskCount(t *testing.T) {
	client := newFakeArchive()
	m := testManifest(t)
	m.DryRun = true
	rc := newTestRunContext(t, client, m)
	rc.Members = map[string][]string{"MIROC6": {"r1i1p1f1"}}
	rc.Gaps = []coverage.Gap{
		{Model: "MIROC6", Variant: "r1i1p1f1", FirstYear: 2000, LastYear: 2000},
		{Model: "MIROC6", Variant: "r1i1p1f1", FirstYear: 2003, LastYear: 2003},
	}

	out, err := BackfillStage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, out.Status)
	assert.Equal(t, "2 tasks planned (dry run)", out.Detail)
	assert.Equal(t, int64(2), out.Counts["tasks"])
	assert.Equal(t, 0, client.fetchCalls)

	// A single gap reads as one task, singular.
	rc.Gaps = rc.Gaps[:1]
	out, err = BackfillStage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "1 task planned (dry run)", out.Detail)
}

func TestBackfillRegistryPreventsDuplicateTasks(t *testing.T) {
	client := newFakeArchive()
	m := testManifest(t)
	rc := newTestRunContext(t, client, m)
	rc.Members = map[string][]string{"MIROC6": {"r1i1p1f1"}}

	// First pass marks the full-range task done (no files exist upstream,
	// so it completes as no_results).
	out, err := FetchStage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Counts["tasks"])

	// Replanning the same range finds the key already requested.
	out, err = FetchStage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Counts["tasks"])
	assert.Equal(t, "no tasks to execute", out.Detail)
}
