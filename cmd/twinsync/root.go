package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/engine"
	"github.com/openmined/twinsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// flag name -> config key
var boundFlags = map[string]string{
	"state-dir":     "state_dir",
	"state-format":  "state_format",
	"ignore-folder": "ignore_folders",
	"ignore-file":   "ignore_file",
	"simulate":      "simulate",
	"verbose":       "verbose",
	"workers":       "workers",
	"displace":      "displace",
	"temp-dir":      "temp_dir",
	"log-file":      "log_file",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twinsync",
		Short: "Keep two storage backends in step",
		Long: `twinsync reconciles two storage backends (local folders, S3 buckets,
WebDAV collections such as NextCloud) against the state recorded by the
previous run. Changes made on either side are carried over; files edited on
both sides are kept in both versions.`,
		Version:      version.Detailed(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, engine.ModeSync)
		},
	}

	flags := cmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default searches ~/.twinsync and ~/.config/twinsync)")
	flags.String("state-dir", config.DefaultStateDir, "directory holding the sync state")
	flags.String("state-format", config.StateFormatJSON, "state storage format: json or sqlite")
	flags.StringSlice("ignore-folder", nil, "folder to leave alone, repeatable")
	flags.String("ignore-file", "", "gitignore style file of paths to leave alone")
	flags.Bool("simulate", false, "log what would be done without changing anything")
	flags.BoolP("verbose", "v", false, "log every action and debug output")
	flags.Int("workers", config.DefaultWorkers, "actions to run at once")
	flags.String("displace", "", "backend id whose version is renamed on conflict (default: second backend)")
	flags.String("temp-dir", "", "directory for staging transfers (default: inside the state dir)")
	flags.String("log-file", config.DefaultLogFilePath, "log file")

	cmd.AddCommand(
		newRunCmd(engine.ModeSync, "Reconcile both backends against the previous state (default)"),
		newRunCmd(engine.ModeSeed, "Copy over paths that exist on only one backend"),
		newRunCmd(engine.ModeSnapshot, "Record the current state of both backends without syncing"),
		newInitCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newRunCmd(mode engine.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, mode)
		},
	}
}

// loadDotEnv reads .env from the working directory and the config
// directory. Variables already set win.
func loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(config.DefaultConfigDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("dotenv load", "path", path, "error", err)
		}
	}
}

// loadSettings reads the config file, env and the flags set on cmd.
func loadSettings(cmd *cobra.Command) (*viper.Viper, error) {
	path, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(path)
	if err != nil {
		return nil, err
	}

	for flag, key := range boundFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return v, nil
}

func runEngine(cmd *cobra.Command, mode engine.Mode) error {
	loadDotEnv()

	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		logLevel.Set(slog.LevelDebug)
	}
	if cfg.LogFile != "" {
		closeLog, err := attachLogFile(cfg.LogFile)
		if err != nil {
			slog.Warn("log file disabled", "error", err)
		} else {
			defer closeLog()
		}
	}

	slog.Debug("config", "path", cfg.Path, "stateDir", cfg.StateDir, "format", cfg.StateFormat, "workers", cfg.Workers)

	e, err := engine.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	report, err := e.Run(cmd.Context(), mode)
	printReport(cmd.OutOrStdout(), report, err)
	return err
}

func printReport(w io.Writer, report *engine.Report, err error) {
	if report == nil {
		return
	}
	if err != nil {
		fmt.Fprintf(w, "%s %s: %s\n", red.Render("FAILED"), report.Mode, err)
	} else {
		fmt.Fprintf(w, "%s %s\n", green.Render("DONE"), report.Mode)
	}

	if res := report.Result; res != nil {
		fmt.Fprintf(w, "  %s copied=%d deleted=%d conflicts=%d converged=%d transferred=%s\n",
			cyan.Render("actions"),
			res.Copied.Load(), res.Deleted.Load(), res.Conflicts.Load(), res.Converged.Load(),
			humanize.Bytes(uint64(res.Bytes.Load())))
		if res.DryRun {
			fmt.Fprintln(w, gray.Render("  simulated, nothing was changed"))
		}
	}
	if report.Persisted {
		fmt.Fprintf(w, "  %s %d entries\n", cyan.Render("state"), report.Entries)
	}
	fmt.Fprintln(w, gray.Render(fmt.Sprintf("  run %s took %s", report.RunID, report.Took.Round(time.Millisecond))))
}
