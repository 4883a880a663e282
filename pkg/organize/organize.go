// Package organize relocates downloaded files into the curated output
// layout and removes non-temporal auxiliary data.
//
// Both operations are idempotent at the file level: moving an already-moved
// file is a skip, cleaning an already-clean tree removes nothing. That is
// what makes them safe to re-run after a partial failure.
package organize

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/pkg/identifier"
)

// CachePrefix marks archive download cache directories eligible for
// reorganization.
const CachePrefix = "_cache_esgf"

// MoveStats summarizes one reorganization pass.
type MoveStats struct {
	Scanned int
	Moved   int
	Skipped int // destination already exists
	Errors  int // unroutable files (name or path not parseable)
}

func (s MoveStats) String() string {
	return fmt.Sprintf("scanned=%d moved=%d skipped=%d errors=%d", s.Scanned, s.Moved, s.Skipped, s.Errors)
}

// Reorganizer moves .nc files out of download cache trees into the final
// layout <target>/<model>/<variant>/<sYYYY>/<file>.
type Reorganizer struct {
	// DryRun counts what would move without touching the filesystem.
	DryRun bool

	Logger *zap.Logger
}

// Run scans baseDir for cache directories (CachePrefix-named children and
// baseDir itself when it matches) and relocates every .nc found. Files whose
// destination already exists are skipped, which makes a re-run after a crash
// a no-op for everything already in place.
func (r *Reorganizer) Run(ctx context.Context, baseDir, targetDir string) (MoveStats, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var stats MoveStats
	sources, err := cacheDirs(baseDir)
	if err != nil {
		return stats, fmt.Errorf("reorganize: %w", err)
	}
	if len(sources) == 0 {
		logger.Info("no cache directories to reorganize", zap.String("base", baseDir))
		return stats, nil
	}

	if !r.DryRun {
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return stats, fmt.Errorf("reorganize: %w", err)
		}
	}

	for _, src := range sources {
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".nc") {
				return nil
			}

			stats.Scanned++
			dest, ok := routeFile(path, targetDir)
			if !ok {
				stats.Errors++
				logger.Warn("cannot route file into output layout", zap.String("path", path))
				return nil
			}

			if _, err := os.Stat(dest); err == nil {
				stats.Skipped++
				return nil
			}

			if r.DryRun {
				stats.Moved++
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := moveFile(path, dest); err != nil {
				return err
			}
			stats.Moved++
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("reorganize %s: %w", src, err)
		}
	}

	logger.Info("reorganization complete", zap.String("stats", stats.String()), zap.Bool("dry_run", r.DryRun))
	return stats, nil
}

// routeFile derives the destination path for one cached file from its name
// (model field) and its path (member directory).
func routeFile(path, targetDir string) (string, bool) {
	name := filepath.Base(path)
	model := identifier.ModelFromName(name)
	if model == "" {
		return "", false
	}
	subExp, variant, ok := identifier.MemberFromPath(filepath.Dir(path))
	if !ok {
		return "", false
	}
	return filepath.Join(targetDir, model, variant, subExp, name), true
}

func cacheDirs(baseDir string) ([]string, error) {
	base := filepath.Clean(baseDir)
	if strings.HasPrefix(filepath.Base(base), CachePrefix) {
		if _, err := os.Stat(base); os.IsNotExist(err) {
			return nil, nil
		}
		return []string{base}, nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), CachePrefix) {
			dirs = append(dirs, filepath.Join(base, e.Name()))
		}
	}
	return dirs, nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// CleanStats summarizes one fx cleanup pass.
type CleanStats struct {
	DirsRemoved  int
	FilesRemoved int
}

func (s CleanStats) String() string {
	return fmt.Sprintf("dirs_removed=%d files_removed=%d", s.DirsRemoved, s.FilesRemoved)
}

// FxCleaner removes fixed-field auxiliary data: directories named "fx" and
// files carrying the "_fx_" table marker. These hold grid metadata, not
// temporal coverage, and pollute coverage accounting when left in place.
type FxCleaner struct {
	DryRun bool
	Logger *zap.Logger
}

// Run walks root and removes fx directories and *_fx_* files. A second run
// over the same tree removes nothing.
func (c *FxCleaner) Run(ctx context.Context, root string) (CleanStats, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var stats CleanStats
	var fxDirs []string
	var fxFiles []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "fx" {
			fxDirs = append(fxDirs, path)
			return fs.SkipDir
		}
		if !d.IsDir() && strings.Contains(d.Name(), "_fx_") {
			fxFiles = append(fxFiles, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("clean fx: %w", err)
	}

	for _, dir := range fxDirs {
		if !c.DryRun {
			if err := os.RemoveAll(dir); err != nil {
				return stats, fmt.Errorf("clean fx: remove %s: %w", dir, err)
			}
		}
		stats.DirsRemoved++
		logger.Debug("removed fx directory", zap.String("path", dir), zap.Bool("dry_run", c.DryRun))
	}
	for _, file := range fxFiles {
		if !c.DryRun {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return stats, fmt.Errorf("clean fx: remove %s: %w", file, err)
			}
		}
		stats.FilesRemoved++
	}

	logger.Info("fx cleanup complete", zap.String("stats", stats.String()), zap.Bool("dry_run", c.DryRun))
	return stats, nil
}
