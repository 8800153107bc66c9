package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadDotEnv loads environment files, existing variables are never overridden.
// ENV_FILE, when set, is the only file loaded. Otherwise .env.local is loaded
// before .env so it takes precedence.
func LoadDotEnv() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return nil
}

// envBindings maps configuration keys to the environment variables
// overriding them.
var envBindings = []struct {
	key string
	env string
}{
	{"metrics.port", "PROMETHEUS_PORT"},
	{"schedule.interval", "SCHEDULE_INTERVAL"},
	{"schedule.timeout", "JOB_TIMEOUT"},
	{"service.verbose", "DEBUG"},
	{"service.state", "STATE_DB"},
	{"browser.headless", "HEADLESS"},
	{"browser.remote_url", "BROWSER_URL"},
	{"transactions.dir", "TRANSACTIONS_DIR"},
	{"artifacts.dir", "SCREENSHOTS_DIR"},
}

// ApplyEnv overrides cfg with the environment variables that are set.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return fmt.Errorf("binding %s: %w", b.env, err)
		}
	}

	if v.IsSet("metrics.port") {
		port := v.GetInt("metrics.port")
		if port <= 0 || port >= 65536 {
			return fmt.Errorf("PROMETHEUS_PORT: invalid port %q", v.GetString("metrics.port"))
		}
		cfg.Metrics.Port = port
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("schedule.interval", &cfg.Schedule.Interval)
	setString("schedule.timeout", &cfg.Schedule.Timeout)
	setString("service.state", &cfg.Service.State)
	setString("browser.remote_url", &cfg.Browser.RemoteURL)
	setString("transactions.dir", &cfg.Transactions.Dir)
	setString("artifacts.dir", &cfg.Artifacts.Dir)

	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = ParseBool(v.GetString("service.verbose"))
	}
	if v.IsSet("browser.headless") {
		cfg.Browser.Headless = ParseBool(v.GetString("browser.headless"))
	}
	return nil
}

// ParseBool understands the spellings used in .env files: true, 1 and yes.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
