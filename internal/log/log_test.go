package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	job := model.Job{ID: "hidrive-next_settings_test", RelPath: "hidrive-next/settings_test.go"}
	ctx := log.WithJob(t.Context(), job)
	ctx = log.ContextAttrs(ctx, slog.String("step", "login"))
	logger.InfoContext(ctx, "step finished")
	logger.DebugContext(ctx, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "step finished", rec["msg"])
	require.Equal(t, "hidrive-next_settings_test", rec["job_id"])
	require.Equal(t, "hidrive-next/settings_test.go", rec["job_source"])
	require.Equal(t, "login", rec["step"])
}

func TestContextAttrs_siblings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, true)

	parent := log.ContextAttrs(t.Context(), slog.String("a", "1"), slog.String("b", "2"))
	left := log.ContextAttrs(parent, slog.String("side", "left"))
	_ = log.ContextAttrs(parent, slog.String("side", "right"))

	logger.DebugContext(left, "left")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "left", rec["side"])
}
