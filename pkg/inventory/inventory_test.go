package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inspect"
)

// mockInspector marks files invalid when their path is listed.
type mockInspector struct {
	invalid map[string]string // base name -> reason
	calls   int
}

func (m *mockInspector) Inspect(path string) (inspect.Result, error) {
	m.calls++
	info, err := os.Stat(path)
	if err != nil {
		return inspect.Result{}, err
	}
	if reason, ok := m.invalid[filepath.Base(path)]; ok {
		return inspect.Result{Valid: false, Reason: reason, SizeBytes: info.Size()}, nil
	}
	return inspect.Result{Valid: true, SizeBytes: info.Size()}, nil
}

func placeFile(t *testing.T, root string, rel string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestScanBasic(t *testing.T) {
	root := t.TempDir()
	placeFile(t, root, "MIROC6/r1i1p1f1/s2000/pr_Amon_MIROC6_dcppA-hindcast_s2000-r1i1p1f1_gn_2000-2000.nc", 100)
	placeFile(t, root, "MIROC6/r1i1p1f1/s2001/pr_Amon_MIROC6_dcppA-hindcast_s2001-r1i1p1f1_gn_2001-2001.nc", 100)
	placeFile(t, root, "MIROC6/notes.txt", 10)          // not matched by include
	placeFile(t, root, "MIROC6/r1i1p1f1/strange.nc", 5) // parse failure

	insp := &mockInspector{}
	sc := NewScanner(insp, DefaultConfig(), zap.NewNop())

	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Len(t, snap.Entries, 2)
	assert.Equal(t, 1, snap.ParseFailures)
	assert.Equal(t, 0, snap.InvalidCount())

	units := snap.PresentUnits()
	assert.True(t, units.Contains(coverage.Unit{Model: "MIROC6", Variant: "r1i1p1f1", Year: 2000}))
	assert.True(t, units.Contains(coverage.Unit{Model: "MIROC6", Variant: "r1i1p1f1", Year: 2001}))
	assert.Len(t, units, 2)
}

func TestScanValidityGating(t *testing.T) {
	root := t.TempDir()
	placeFile(t, root, "M/pr_Amon_M_exp_s2000-r1i1p1f1_gn_2000-2000.nc", 100)
	placeFile(t, root, "M/pr_Amon_M_exp_s2001-r1i1p1f1_gn_2001-2001.nc", 100)

	insp := &mockInspector{invalid: map[string]string{
		"pr_Amon_M_exp_s2001-r1i1p1f1_gn_2001-2001.nc": "unrecognized file signature",
	}}
	sc := NewScanner(insp, DefaultConfig(), zap.NewNop())

	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, 1, snap.InvalidCount())

	// The corrupt file must not count as present coverage.
	units := snap.PresentUnits()
	assert.Len(t, units, 1)
	assert.True(t, units.Contains(coverage.Unit{Model: "M", Variant: "r1i1p1f1", Year: 2000}))
	assert.False(t, units.Contains(coverage.Unit{Model: "M", Variant: "r1i1p1f1", Year: 2001}))
}

func TestScanOverlapConflict(t *testing.T) {
	root := t.TempDir()
	// Same series, intersecting periods: both flagged, both retained.
	placeFile(t, root, "a/pr_Amon_M_exp_s2000-r1i1p1f1_gn_200001-200512.nc", 100)
	placeFile(t, root, "b/pr_Amon_M_exp_s2000-r1i1p1f1_gn_200301-200812.nc", 100)
	// Different variant, no conflict.
	placeFile(t, root, "c/pr_Amon_M_exp_s2000-r2i1p1f1_gn_200001-200512.nc", 100)

	sc := NewScanner(&mockInspector{}, DefaultConfig(), zap.NewNop())
	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)

	assert.Equal(t, 2, snap.ConflictCount())
	for _, e := range snap.Entries {
		if e.Identity.VariantLabel == "r2i1p1f1" {
			assert.False(t, e.OverlapConflict)
		} else {
			assert.True(t, e.OverlapConflict)
		}
	}
}

func TestScanMonthDisjointFilesAreNotConflicts(t *testing.T) {
	root := t.TempDir()
	// One series chunked into two halves of the same year: complementary
	// coverage, not a conflict.
	placeFile(t, root, "M/r1i1p1f1/s1960/pr_Amon_M_exp_s1960-r1i1p1f1_gn_196001-196006.nc", 100)
	placeFile(t, root, "M/r1i1p1f1/s1960/pr_Amon_M_exp_s1960-r1i1p1f1_gn_196007-196012.nc", 100)

	sc := NewScanner(&mockInspector{}, DefaultConfig(), zap.NewNop())
	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)

	assert.Equal(t, 0, snap.ConflictCount())

	// Both halves map onto the same coverage year.
	units := snap.PresentUnits()
	assert.True(t, units.Contains(coverage.Unit{Model: "M", Variant: "r1i1p1f1", Year: 1960}))
	assert.Len(t, units, 1)
}

func TestScanExcludePatterns(t *testing.T) {
	root := t.TempDir()
	placeFile(t, root, "M/pr_Amon_M_exp_s2000-r1i1p1f1_gn_2000-2000.nc", 10)
	placeFile(t, root, "scratch/pr_Amon_M_exp_s2001-r1i1p1f1_gn_2001-2001.nc", 10)

	cfg := Config{Includes: []string{"**/*.nc"}, Excludes: []string{"scratch/**"}}
	sc := NewScanner(&mockInspector{}, cfg, zap.NewNop())

	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
}

func TestScanIsStateless(t *testing.T) {
	root := t.TempDir()
	placeFile(t, root, "M/pr_Amon_M_exp_s2000-r1i1p1f1_gn_2000-2000.nc", 10)

	sc := NewScanner(&mockInspector{}, DefaultConfig(), zap.NewNop())
	first, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, first.Entries, 1)

	// Mutate the tree between scans; the second scan must see fresh state.
	placeFile(t, root, "M/pr_Amon_M_exp_s2001-r1i1p1f1_gn_2001-2001.nc", 10)
	second, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, second.Entries, 2)
}

func TestAudit(t *testing.T) {
	root := t.TempDir()
	placeFile(t, root, "M/pr_Amon_M_exp_s2000-r1i1p1f1_gn_2000-2000.nc", 1000)
	placeFile(t, root, "M/pr_Amon_M_exp_s2001-r1i1p1f1_gn_2001-2001.nc", 1000)
	placeFile(t, root, "M/pr_Amon_M_exp_s2002-r1i1p1f1_gn_2002-2002.nc", 100) // way undersized

	sc := NewScanner(&mockInspector{}, DefaultConfig(), zap.NewNop())
	snap, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)

	summary := Audit(snap, 0)
	assert.Equal(t, 3, summary.Files)
	require.Len(t, summary.Groups, 1)

	g := summary.Groups[0]
	assert.Equal(t, "M", g.Model)
	assert.Equal(t, "r1i1p1f1", g.Variant)
	assert.Equal(t, int64(1000), g.MedianSize)
	require.Len(t, g.Anomalies, 1)
	assert.Contains(t, g.Anomalies[0], "s2002")
	assert.Equal(t, 1, summary.AnomalyCount)
	assert.Contains(t, summary.String(), "size_anomalies=1")
}
