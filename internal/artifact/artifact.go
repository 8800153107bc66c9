// Package artifact captures the forensic evidence of a failed step: a full
// page screenshot and the page HTML, written side by side.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/session"
)

const (
	KindStepFailure = "step_failure"

	ExtPNG  = ".png"
	ExtHTML = ".html"

	timestampLayout = "20060102_150405"
)

// SanitizeStep replaces everything but [A-Za-z0-9_-] with an underscore.
func SanitizeStep(step string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, step)
}

// Name returns {job}_{step}_{kind}_{YYYYMMDD_HHMMSS}{ext}.
func Name(job, step, kind string, at time.Time, ext string) string {
	return fmt.Sprintf("%s_%s_%s_%s%s", job, SanitizeStep(step), kind, at.Format(timestampLayout), ext)
}

// Capturer writes artifacts into Dir.
type Capturer struct {
	Dir string
	Now func() time.Time
}

func New(dir string) *Capturer {
	return &Capturer{Dir: dir, Now: time.Now}
}

// Capture writes the screenshot and the html of sess. It is best effort:
// whatever could be written is returned together with the joined errors of
// the parts which could not.
func (c *Capturer) Capture(ctx context.Context, sess session.Session, job, step, kind string) ([]string, error) {
	if sess == nil {
		return nil, errors.New("no session to capture")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	at := c.Now()

	var paths []string
	var errs []error

	png, err := sess.Screenshot(ctx)
	if err == nil {
		path := filepath.Join(c.Dir, Name(job, step, kind, at, ExtPNG))
		if err = os.WriteFile(path, png, 0o644); err == nil {
			paths = append(paths, path)
			slog.InfoContext(ctx, "screenshot saved", "path", path)
		}
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	}

	path, err := c.writeHTML(ctx, sess, job, step, kind, at)
	if err != nil {
		errs = append(errs, fmt.Errorf("html: %w", err))
	} else {
		paths = append(paths, path)
		slog.InfoContext(ctx, "html saved", "path", path)
	}
	return paths, errors.Join(errs...)
}

func (c *Capturer) writeHTML(ctx context.Context, sess session.Session, job, step, kind string, at time.Time) (string, error) {
	html, err := sess.HTML(ctx)
	if err != nil {
		return "", err
	}
	// metadata is informative only, a page without url or title is still saved
	url, _ := sess.URL(ctx)
	title, _ := sess.Title(ctx)

	var b strings.Builder
	b.WriteString("<!--\n")
	fmt.Fprintf(&b, "URL: %s\n", url)
	fmt.Fprintf(&b, "Title: %s\n", strings.ReplaceAll(title, "--", "- -"))
	fmt.Fprintf(&b, "Timestamp: %s\n", at.Format(timestampLayout))
	fmt.Fprintf(&b, "Use Case: %s\n", job)
	fmt.Fprintf(&b, "Step: %s\n", step)
	fmt.Fprintf(&b, "Error Type: %s\n", kind)
	b.WriteString("-->\n\n")
	b.WriteString(html)

	path := filepath.Join(c.Dir, Name(job, step, kind, at, ExtHTML))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
