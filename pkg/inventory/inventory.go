// Package inventory walks the local output area and reports what coverage
// actually exists on disk.
//
// Every scan is a fresh walk: the scanner keeps no state between calls, so
// gap detection always works from the filesystem as it is now, never from a
// stale cache.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/coverage"
	"github.com/luisjaime-estudio/descargar-datos/pkg/identifier"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inspect"
)

// Entry describes one scanned file. Entries are never mutated after a scan;
// a new scan regenerates the whole snapshot.
type Entry struct {
	Identity  identifier.Identity
	Path      string
	SizeBytes int64

	// Valid is the inspector's verdict. Invalid entries do not count as
	// present coverage: a corrupt file is a gap.
	Valid         bool
	InvalidReason string

	// OverlapConflict marks entries whose identity duplicates another
	// entry's series with intersecting periods. Both sides of a conflict
	// are flagged and retained; the ambiguity is surfaced, not resolved.
	OverlapConflict bool
}

// Snapshot is the result of one scan pass.
type Snapshot struct {
	Root      string
	ScannedAt time.Time
	Entries   []Entry

	// ParseFailures counts files that matched the include patterns but did
	// not follow the naming convention. They are logged and excluded, not
	// fatal to the scan.
	ParseFailures int
}

// PresentUnits expands the valid entries into coverage units, one per year
// each file's period spans. Invalid entries are excluded so that corrupt
// files show up as missing coverage.
func (s *Snapshot) PresentUnits() coverage.Set {
	units := make(coverage.Set)
	for _, e := range s.Entries {
		if !e.Valid {
			continue
		}
		for _, year := range e.Identity.Period.Years() {
			units.Add(coverage.Unit{
				Model:   e.Identity.Model,
				Variant: e.Identity.VariantLabel,
				Year:    year,
			})
		}
	}
	return units
}

// InvalidCount returns the number of entries that failed inspection.
func (s *Snapshot) InvalidCount() int {
	n := 0
	for _, e := range s.Entries {
		if !e.Valid {
			n++
		}
	}
	return n
}

// ConflictCount returns the number of entries flagged as overlap conflicts.
func (s *Snapshot) ConflictCount() int {
	n := 0
	for _, e := range s.Entries {
		if e.OverlapConflict {
			n++
		}
	}
	return n
}

// Config configures a Scanner.
type Config struct {
	// Includes are doublestar patterns, relative to the scan root, that a
	// file must match to be considered. Default: **/*.nc
	Includes []string

	// Excludes are doublestar patterns that remove files after the include
	// match. Default: none.
	Excludes []string
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() Config {
	return Config{Includes: []string{"**/*.nc"}}
}

// Scanner produces inventory snapshots of an output tree.
type Scanner struct {
	inspector inspect.Inspector
	cfg       Config
	logger    *zap.Logger
}

// NewScanner creates a scanner using the given inspector for validity.
func NewScanner(inspector inspect.Inspector, cfg Config, logger *zap.Logger) *Scanner {
	if len(cfg.Includes) == 0 {
		cfg.Includes = DefaultConfig().Includes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{inspector: inspector, cfg: cfg, logger: logger}
}

// Scan walks root once and returns one entry per candidate file.
//
// Files that fail name parsing are counted and skipped. The inspector sets
// validity per file; inspector I/O errors mark the entry invalid rather than
// aborting the walk. Entries are returned sorted by path for deterministic
// snapshots.
func (sc *Scanner) Scan(ctx context.Context, root string) (*Snapshot, error) {
	snap := &Snapshot{Root: root, ScannedAt: time.Now().UTC()}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d != nil && d.IsDir() {
				sc.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(walkErr))
				return fs.SkipDir
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !sc.matches(rel) {
			return nil
		}

		id, err := identifier.Parse(path)
		if err != nil {
			if errors.Is(err, identifier.ErrMalformedIdentifier) {
				snap.ParseFailures++
				sc.logger.Warn("excluding file with unrecognized name", zap.String("path", path), zap.Error(err))
				return nil
			}
			return err
		}

		entry := Entry{Identity: id, Path: path}
		res, err := sc.inspector.Inspect(path)
		if err != nil {
			entry.Valid = false
			entry.InvalidReason = fmt.Sprintf("inspection failed: %v", err)
			sc.logger.Warn("file inspection failed", zap.String("path", path), zap.Error(err))
		} else {
			entry.Valid = res.Valid
			entry.InvalidReason = res.Reason
			entry.SizeBytes = res.SizeBytes
		}

		snap.Entries = append(snap.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Path < snap.Entries[j].Path })
	markOverlapConflicts(snap.Entries)

	sc.logger.Info("inventory scan complete",
		zap.String("root", root),
		zap.Int("files", len(snap.Entries)),
		zap.Int("invalid", snap.InvalidCount()),
		zap.Int("conflicts", snap.ConflictCount()),
		zap.Int("parse_failures", snap.ParseFailures))
	return snap, nil
}

func (sc *Scanner) matches(rel string) bool {
	included := false
	for _, pat := range sc.cfg.Includes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pat := range sc.cfg.Excludes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	return true
}

// markOverlapConflicts flags every pair of entries in the same series whose
// periods intersect. Both sides are flagged; neither is preferred.
func markOverlapConflicts(entries []Entry) {
	bySeries := make(map[string][]int)
	for i, e := range entries {
		key := e.Identity.SeriesKey()
		bySeries[key] = append(bySeries[key], i)
	}
	for _, idxs := range bySeries {
		if len(idxs) < 2 {
			continue
		}
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				ia, ib := idxs[a], idxs[b]
				if entries[ia].Identity.Period.Intersects(entries[ib].Identity.Period) {
					entries[ia].OverlapConflict = true
					entries[ib].OverlapConflict = true
				}
			}
		}
	}
}
