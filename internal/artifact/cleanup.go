package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrRetention = errors.New("retention days must be at least 1")

// Removed describes one artifact deleted (or, in dry run, to be deleted).
type Removed struct {
	Path string
	Size int64
	Age  time.Duration
}

type CleanupReport struct {
	DryRun  bool
	Removed []Removed
	Freed   int64
}

// Cleanup deletes artifacts in dir older than days. Only png and html files
// directly inside dir are considered. A missing dir is not an error.
func Cleanup(ctx context.Context, dir string, days int, dryRun bool, now time.Time) (CleanupReport, error) {
	report := CleanupReport{DryRun: dryRun}
	if days < 1 {
		return report, ErrRetention
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.WarnContext(ctx, "artifact directory does not exist", "dir", dir)
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("reading %s: %w", dir, err)
	}

	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	slog.InfoContext(ctx, "cleaning up artifacts", "dir", dir, "before", cutoff, "dry_run", dryRun)

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ".gitkeep" {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ExtPNG, ExtHTML:
		default:
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		r := Removed{Path: path, Size: info.Size(), Age: now.Sub(info.ModTime())}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				slog.ErrorContext(ctx, "failed to delete artifact", "path", path, "err", err)
				errs = append(errs, err)
				continue
			}
		}
		slog.InfoContext(ctx, "artifact removed", "path", path, "size", r.Size, "age", r.Age, "dry_run", dryRun)
		report.Removed = append(report.Removed, r)
		report.Freed += r.Size
	}
	return report, errors.Join(errs...)
}
