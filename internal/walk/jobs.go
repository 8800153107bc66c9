package walk

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
)

// Options tune job discovery.
type Options struct {
	// Extensions of job sources, including the dot.
	Extensions []string
	// Interval and Timeout are the defaults of every job.
	Interval time.Duration
	Timeout  time.Duration
	// Overrides keyed by job ID.
	Overrides map[string]model.JobOverride
}

// Jobs discovers the job sources below dir. Jobs are returned ordered by
// their relative path, which makes the stagger of first runs stable.
func Jobs(ctx context.Context, dir string, opts Options) ([]model.Job, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening transactions dir: %w", err)
	}
	defer root.Close()

	var jobs []model.Job
	for entry, err := range Root(ctx, root, hiddenDir) {
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable path", "path", entry.Path(), "err", err)
			continue
		}
		if !isJobSource(entry.RelPath(), opts.Extensions) {
			continue
		}
		rel := entry.RelPath()
		name := strings.TrimSuffix(rel, path.Ext(rel))
		jobs = append(jobs, model.Job{
			ID:       strings.ReplaceAll(name, "/", "_"),
			Name:     name,
			Source:   entry.Path(),
			RelPath:  rel,
			UUID:     model.NewJobUUID(rel),
			Interval: opts.Interval,
			Timeout:  opts.Timeout,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(jobs, func(a, b model.Job) int {
		return cmp.Compare(a.RelPath, b.RelPath)
	})
	resolveCollisions(ctx, jobs)

	ret := jobs[:0]
	for _, job := range jobs {
		override, ok := opts.Overrides[job.ID]
		if ok {
			if override.Disabled {
				slog.InfoContext(ctx, "job disabled by configuration", "job_id", job.ID)
				continue
			}
			if err := applyOverride(&job, override); err != nil {
				return nil, err
			}
		}
		ret = append(ret, job)
	}
	return ret, nil
}

func hiddenDir(d fs.DirEntry) bool {
	return strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_")
}

func isJobSource(rel string, extensions []string) bool {
	base := path.Base(rel)
	if strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".") {
		return false
	}
	if strings.HasSuffix(base, "_test.go") {
		return false
	}
	return slices.Contains(extensions, path.Ext(base))
}

// resolveCollisions suffixes every job sharing an ID with another one with
// the first 8 hex digits of its UUID. x/y.sh and x_y.sh both flatten to x_y.
func resolveCollisions(ctx context.Context, jobs []model.Job) {
	count := make(map[string]int, len(jobs))
	for _, job := range jobs {
		count[job.ID]++
	}
	for i := range jobs {
		if count[jobs[i].ID] < 2 {
			continue
		}
		id := jobs[i].ID + "_" + jobs[i].UUID.String()[:8]
		slog.WarnContext(ctx, "job id collision resolved",
			"job_source", jobs[i].RelPath,
			"id", jobs[i].ID,
			"resolved", id,
		)
		jobs[i].ID = id
	}
}

func applyOverride(job *model.Job, o model.JobOverride) error {
	if o.Interval != "" {
		d, err := model.ParseInterval(o.Interval)
		if err != nil {
			return fmt.Errorf("job %s: interval %q: %w", job.ID, o.Interval, err)
		}
		job.Interval = d
	}
	if o.Cron != "" {
		if _, err := model.ParseCron(o.Cron); err != nil {
			return fmt.Errorf("job %s: cron %q: %w", job.ID, o.Cron, err)
		}
		job.Cron = o.Cron
	}
	if o.Timeout != "" {
		d, err := model.ParseInterval(o.Timeout)
		if err != nil {
			return fmt.Errorf("job %s: timeout %q: %w", job.ID, o.Timeout, err)
		}
		job.Timeout = d
	}
	return nil
}
