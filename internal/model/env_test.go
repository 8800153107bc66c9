package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	// can't be parallel as it touches the process environment
	t.Setenv("PROMETHEUS_PORT", "9200")
	t.Setenv("SCHEDULE_INTERVAL", "600")
	t.Setenv("DEBUG", "yes")
	t.Setenv("HEADLESS", "false")
	t.Setenv("SCREENSHOTS_DIR", "/var/lib/monitor/shots")

	cfg := model.DefaultConfig()
	require.NoError(t, model.ApplyEnv(&cfg))

	require.Equal(t, 9200, cfg.Metrics.Port)
	require.Equal(t, "600", cfg.Schedule.Interval)
	require.Equal(t, "240", cfg.Schedule.Timeout)
	require.True(t, cfg.Service.Verbose)
	require.False(t, cfg.Browser.Headless)
	require.Equal(t, "/var/lib/monitor/shots", cfg.Artifacts.Dir)
	require.Equal(t, "transactions", cfg.Transactions.Dir)

	t.Run("invalid port", func(t *testing.T) {
		t.Setenv("PROMETHEUS_PORT", "http")
		cfg := model.DefaultConfig()
		require.Error(t, model.ApplyEnv(&cfg))
	})
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.env")
	require.NoError(t, os.WriteFile(path, []byte("MONITOR_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() { _ = os.Unsetenv("MONITOR_TEST_DOTENV") })

	require.NoError(t, model.LoadDotEnv())
	require.Equal(t, "loaded", os.Getenv("MONITOR_TEST_DOTENV"))
}

func TestParseBool(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"true", "1", "yes", "YES", " on "} {
		require.True(t, model.ParseBool(s), s)
	}
	for _, s := range []string{"false", "0", "no", ""} {
		require.False(t, model.ParseBool(s), s)
	}
}
