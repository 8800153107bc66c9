package model

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	MisfireLatest = "latest"
	MisfireAll    = "all"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version      int                    `json:"version" yaml:"version"`
	Metrics      Metrics                `json:"metrics" yaml:"metrics"`
	Schedule     Schedule               `json:"schedule" yaml:"schedule"`
	Transactions Transactions           `json:"transactions" yaml:"transactions"`
	Artifacts    Artifacts              `json:"artifacts" yaml:"artifacts"`
	Browser      Browser                `json:"browser" yaml:"browser"`
	Service      Service                `json:"service" yaml:"service"`
	Jobs         map[string]JobOverride `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

type Metrics struct {
	Port int `json:"port" yaml:"port"`
}

// Schedule holds the shared scheduling defaults. Durations accept
// seconds, Go durations or ISO-8601, see ParseInterval.
type Schedule struct {
	Interval    string  `json:"interval" yaml:"interval"`
	Timeout     string  `json:"timeout" yaml:"timeout"`
	Stagger     string  `json:"stagger" yaml:"stagger"`
	StopTimeout string  `json:"stop_timeout" yaml:"stop_timeout"`
	Misfire     Misfire `json:"misfire" yaml:"misfire"`
}

// Misfire decides what happens to triggers which could not run on time
// because the single worker was busy.
type Misfire struct {
	Policy string `json:"policy" yaml:"policy"` // "latest" | "all"
	Grace  string `json:"grace" yaml:"grace"`   // "0" disables the grace window
}

type Transactions struct {
	Dir          string              `json:"dir" yaml:"dir"`
	Root         string              `json:"root" yaml:"root"` // working dir of opaque jobs, "" => cwd
	Extensions   []string            `json:"extensions" yaml:"extensions"`
	Interpreters map[string][]string `json:"interpreters" yaml:"interpreters"`
}

type Artifacts struct {
	Dir           string `json:"dir" yaml:"dir"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

type Browser struct {
	Headless      bool   `json:"headless" yaml:"headless"`
	RemoteURL     string `json:"remote_url" yaml:"remote_url"`
	ExecPath      string `json:"exec_path" yaml:"exec_path"`
	ActionTimeout string `json:"action_timeout" yaml:"action_timeout"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	State   string `json:"state" yaml:"state"` // sqlite file with the latest run per job, "" => disabled
}

// JobOverride changes the schedule of a single job identified by its ID.
type JobOverride struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

var (
	defaultExtensions   = []string{".go", ".sh", ".py"}
	defaultInterpreters = map[string][]string{
		".go": {"go", "run"},
		".sh": {"sh"},
		".py": {"python3"},
	}
)

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	out.fillDefaults()
	return out, nil
}

// DefaultConfig returns the configuration used when no config file exists.
// The values come from the schema defaults.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(fmt.Sprintf("schema defaults are invalid: %v", err))
	}
	return cfg
}

func (c *Config) fillDefaults() {
	if len(c.Transactions.Extensions) == 0 {
		c.Transactions.Extensions = append([]string(nil), defaultExtensions...)
	}
	interpreters := maps.Clone(defaultInterpreters)
	maps.Copy(interpreters, c.Transactions.Interpreters)
	c.Transactions.Interpreters = interpreters
	if c.Jobs == nil {
		c.Jobs = make(map[string]JobOverride)
	}
}

// Settings are the resolved, typed values of Config.
type Settings struct {
	Interval      time.Duration
	Timeout       time.Duration
	Stagger       time.Duration
	StopTimeout   time.Duration
	Grace         time.Duration
	ActionTimeout time.Duration
	Coalesce      bool
	TxDir         string
	Root          string
	ArtifactsDir  string
}

// Resolve parses every duration in the configuration and makes paths absolute.
func (c Config) Resolve() (Settings, error) {
	var s Settings
	var err error
	parse := func(dst *time.Duration, name, value string) {
		if err != nil {
			return
		}
		var d time.Duration
		d, err = ParseInterval(value)
		if err != nil {
			err = fmt.Errorf("parsing %s %q: %w", name, value, err)
			return
		}
		*dst = d
	}
	parse(&s.Interval, "schedule.interval", c.Schedule.Interval)
	parse(&s.Timeout, "schedule.timeout", c.Schedule.Timeout)
	parse(&s.Stagger, "schedule.stagger", c.Schedule.Stagger)
	parse(&s.StopTimeout, "schedule.stop_timeout", c.Schedule.StopTimeout)
	parse(&s.Grace, "schedule.misfire.grace", c.Schedule.Misfire.Grace)
	parse(&s.ActionTimeout, "browser.action_timeout", c.Browser.ActionTimeout)
	if err != nil {
		return Settings{}, err
	}
	if s.Interval <= 0 {
		return Settings{}, fmt.Errorf("schedule.interval must be positive, got %s", s.Interval)
	}
	if s.Timeout <= 0 {
		return Settings{}, fmt.Errorf("schedule.timeout must be positive, got %s", s.Timeout)
	}
	s.Coalesce = c.Schedule.Misfire.Policy != MisfireAll

	for dst, path := range map[*string]string{
		&s.TxDir:        c.Transactions.Dir,
		&s.Root:         c.Transactions.Root,
		&s.ArtifactsDir: c.Artifacts.Dir,
	} {
		if path == "" {
			path = "."
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return Settings{}, fmt.Errorf("resolving %s: %w", path, err)
		}
		*dst = abs
	}
	return s, nil
}

// Override returns the override of a job, or a zero value.
func (c Config) Override(jobID string) JobOverride {
	return c.Jobs[jobID]
}
