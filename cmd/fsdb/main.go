// Package main is the fsdb command line tool.
//
// fsdb inspects a store directory: it lists the records of a collection,
// dumps the identity index, shows the git history of a record and streams
// change events. Settings come from flags and the optional fsdb.yaml in the
// data directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/maruel/fsdb/internal/codec"
	"github.com/maruel/fsdb/internal/storage"
	"github.com/maruel/fsdb/internal/storage/git"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fsdb: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app holds the state shared by the subcommands.
type app struct {
	dataDir  string
	logLevel string
	codec    string
	git      bool
	metrics  bool

	level *slog.LevelVar
	reg   *prometheus.Registry
	store *storage.Store
}

func newRootCmd() *cobra.Command {
	a := &app{level: &slog.LevelVar{}}
	root := &cobra.Command{
		Use:           "fsdb",
		Short:         "Inspect a filesystem backed record store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.metrics && a.reg != nil {
				return dumpMetrics(cmd, a.reg)
			}
			return nil
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.dataDir, "data-dir", "./data", "Store directory")
	f.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&a.codec, "codec", "json", "Record encoding (json, yaml, msgpack)")
	f.BoolVar(&a.git, "git", false, "Open the data directory as a git repository")
	f.BoolVar(&a.metrics, "metrics", false, "Print operation metrics to stderr on exit")

	root.AddCommand(
		newListCmd(a),
		newIDsCmd(a),
		newCollectionsCmd(a),
		newHistoryCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

// init merges fsdb.yaml with the flags, installs the logger and opens the
// store.
func (a *app) init(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(a.dataDir)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("codec") {
		cfg.Codec = a.codec
	}
	if flags.Changed("git") {
		cfg.Git.Enabled = a.git
	}
	l, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.level.Set(l)
	slog.SetDefault(newLogger(a.level))

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	a.reg = prometheus.NewRegistry()
	opts := []storage.Option{
		storage.WithSerializer(codec.New(c)),
		storage.WithMetrics(storage.NewMetrics(a.reg)),
	}
	if cfg.Git.Enabled {
		repo, err := git.Open(ctx, a.dataDir, cfg.Git.Name, cfg.Git.Email)
		if err != nil {
			return err
		}
		opts = append(opts, storage.WithRepository(repo))
	}
	if a.store, err = storage.New(a.dataDir, opts...); err != nil {
		return err
	}
	slog.DebugContext(ctx, "fsdb: opened store", "root", a.store.Root(), "codec", c.Name(), "git", cfg.Git.Enabled)
	return nil
}

func newLogger(level slog.Leveler) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func dumpMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	w := cmd.ErrOrStderr()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			version, goVersion, revision, dirty := getBuildInfo()
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "fsdb %s\n", version)
			_, _ = fmt.Fprintf(w, "  Go version: %s\n", goVersion)
			_, _ = fmt.Fprintf(w, "  Revision:   %s\n", revision)
			if dirty {
				_, _ = fmt.Fprintf(w, "  Modified:   true\n")
			}
		},
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
