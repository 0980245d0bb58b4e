package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/spf13/cobra"

	"task-runner-service/internal/config"
	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/liveness"
	"task-runner-service/internal/task-runner/store"
	gormDB "task-runner-service/pkg/db"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "task-runner",
		Short:         "Persistent background task runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a task runner with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "End tasks whose runner stopped heartbeating, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return sweepOnce(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "task-runner", version)
		},
	}

	rootCmd.AddCommand(serveCmd, sweepCmd, versionCmd)
	return rootCmd
}

func setLogLevel(level string) {
	hlog.SetOutput(os.Stdout)
	switch strings.ToLower(level) {
	case "trace":
		hlog.SetLevel(hlog.LevelTrace)
	case "debug":
		hlog.SetLevel(hlog.LevelDebug)
	case "warn", "warning":
		hlog.SetLevel(hlog.LevelWarn)
	case "error":
		hlog.SetLevel(hlog.LevelError)
	default:
		hlog.SetLevel(hlog.LevelInfo)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	gdb, err := gormDB.NewGormDB(gormDB.Config{Type: cfg.Database.Type, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	hlog.Infof("Database initialized successfully (%s).", cfg.Database.Type)
	if err := gormDB.AutoMigrate(gdb, taskDB.Models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	hlog.Info("Database migration successful.")
	return store.New(gdb, nil), nil
}

func sweepOnce(ctx context.Context, cfg *config.Config, out io.Writer) error {
	setLogLevel(cfg.LogLevel)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	tracker, err := liveness.NewTracker(st, nil, nil, liveness.Options{
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
		SweepInterval:     cfg.Runner.SweepInterval,
		LivenessWindow:    cfg.Runner.LivenessWindow,
	})
	if err != nil {
		return err
	}
	ids, err := tracker.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ended %d orphaned tasks\n", len(ids))
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}
