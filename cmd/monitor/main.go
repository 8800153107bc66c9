package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/artifact"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/log"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/store"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	_ "github.com/xXRoxXeRXx/web-transaction-monitor/transactions/nextcloud"
)

var (
	userConfigPath string // /default/config/path/monitor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	settings       model.Settings

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagRescan         time.Duration
	flagHeadless       bool
	flagDays           int
	flagDryRun         bool
)

// errFailed makes the process exit 1 without logging an error, the
// command already reported what failed.
var errFailed = errors.New("monitoring failed")

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "monitor")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is monitor.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd.Flags().DurationVar(&flagRescan, "rescan", 0, "rediscover the transactions directory periodically, 0 disables")
	runCmd.Flags().BoolVar(&flagHeadless, "headless", false, "run the browser headless - default is a visible browser unless HEADLESS is set")
	cleanupCmd.Flags().IntVar(&flagDays, "days", 0, "delete artifacts older than days - default is artifacts.retention_days")
	cleanupCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "only report what would be deleted")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initMonitor

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailed) {
			slog.Error("monitor failed", "err", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "monitor",
	Short:        "Synthetic monitoring of web transactions exported as prometheus metrics",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve schedules every transaction and exposes the metrics until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run <job>|all",
	Short: "run executes transactions once, exit code is 1 if any of them failed",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints the discovered transactions",
	Args:  cobra.NoArgs,
	RunE:  doList,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status prints the latest run of every transaction",
	Args:  cobra.NoArgs,
	RunE:  doStatus,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "cleanup deletes old failure screenshots and html dumps",
	Args:  cobra.NoArgs,
	RunE:  doCleanup,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a monitor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("monitor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("monitor: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("monitor",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	m, err := newMonitor(ctx, config, settings)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Serve(ctx, flagRescan)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("monitor",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	// a manual run shows the browser
	if cmd.Flags().Changed("headless") {
		config.Browser.Headless = flagHeadless
	} else if _, ok := os.LookupEnv("HEADLESS"); !ok {
		config.Browser.Headless = false
	}
	m, err := newMonitor(ctx, config, settings)
	if err != nil {
		return err
	}
	defer m.Close()

	runs, err := m.RunOnce(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tOUTCOME\tDURATION\tFAILED STEP")
	failed := 0
	for _, run := range runs {
		step, _ := run.FailedStep()
		if run.Outcome != model.OutcomeSuccess {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.JobID, run.Outcome, run.Duration().Round(time.Millisecond), step)
	}
	fmt.Fprintf(w, "\n%d passed, %d failed\n", len(runs)-failed, failed)
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return errFailed
	}
	return nil
}

func doList(cmd *cobra.Command, _ []string) error {
	m, err := newMonitor(cmd.Context(), config, settings)
	if err != nil {
		return err
	}
	defer m.Close()

	jobs, err := m.Discover(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tMODE\tSCHEDULE\tTIMEOUT\tSOURCE")
	for _, job := range jobs {
		schedule := job.Interval.String()
		if job.Cron != "" {
			schedule = job.Cron
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, m.Mode(job), schedule, job.Timeout, job.RelPath)
	}
	return w.Flush()
}

func doStatus(cmd *cobra.Command, _ []string) error {
	if config.Service.State == "" {
		return fmt.Errorf("no state database configured, set service.state or STATE_DB")
	}
	db, err := store.Open(cmd.Context(), config.Service.State)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	snapshots, err := store.List(cmd.Context(), db)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tOUTCOME\tSTARTED\tDURATION\tFAILED STEP")
	for _, s := range snapshots {
		step := ""
		if s.FailedStep != nil {
			step = *s.FailedStep
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.JobID, s.Outcome, s.Started.Format(time.RFC3339), s.Duration.Round(time.Millisecond), step)
	}
	return w.Flush()
}

func doCleanup(cmd *cobra.Command, _ []string) error {
	days := flagDays
	if days == 0 {
		days = config.Artifacts.RetentionDays
	}
	report, err := artifact.Cleanup(cmd.Context(), settings.ArtifactsDir, days, flagDryRun, time.Now())
	if err != nil {
		return err
	}
	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	out := cmd.OutOrStdout()
	for _, r := range report.Removed {
		fmt.Fprintf(out, "%s %s (%d bytes, %s old)\n", verb, r.Path, r.Size, r.Age.Round(time.Hour))
	}
	fmt.Fprintf(out, "%s %d files, %.2f MB\n", verb, len(report.Removed), float64(report.Freed)/(1024*1024))
	return nil
}

func initMonitor(cmd *cobra.Command, _ []string) error {
	if err := model.LoadDotEnv(); err != nil {
		return err
	}

	if envConfig, ok := os.LookupEnv("MONITOR_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "monitor.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, e := range model.ConfigErrors(err) {
				slog.Error(e.Message, e.Attr())
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := model.ApplyEnv(&config); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}

	// --verbose has a precedence over config file and environment
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose))

	var err error
	settings, err = config.Resolve()
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	slog.Debug("monitor run", "configPath", configPath)
	slog.Debug("monitor run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
