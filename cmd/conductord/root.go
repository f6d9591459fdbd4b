package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/server"
	"github.com/GoCodeAlone/conductor/store"
	"github.com/GoCodeAlone/conductor/workflow"
)

type options struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "conductord",
		Short:         "Agent task coordinator daemon",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("CONDUCTOR_CONFIG"), "config file (.yaml, .yml or .toml)")
	flags.String("addr", "", "listen address (default :9090)")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("dsn", "", "database DSN or SQLite file path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("llm-provider", "", "language model provider: none, mock, anthropic, openai")
	flags.String("templates-dir", "", "directory of additional workflow templates")
	flags.Bool("watch-templates", false, "reload templates when files in --templates-dir change")
	flags.Bool("force-assign", false, "let assignment decisions claim the task")
	for key, name := range map[string]string{
		"server.addr":             "addr",
		"database.driver":         "db-driver",
		"database.dsn":            "dsn",
		"log_level":               "log-level",
		"log_format":              "log-format",
		"llm.provider":            "llm-provider",
		"workflow.templates_dir":  "templates-dir",
		"workflow.watch":          "watch-templates",
		"assignment.force_assign": "force-assign",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(name))
	}

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newConfigCmd(opts), newVersionCmd())
	return cmd
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job processor and watchdog (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("schema applied", slog.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductord %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

// loadConfig reads the config file when given, then applies env and flags.
func loadConfig(opts *options) (*config.Config, *slog.Logger, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, nil, err
		}
	}
	config.Overlay(cfg, opts.v)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if store.Driver(cfg.Database.Driver) == store.DriverSQLite {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	return store.Open(ctx, cfg.StoreConfig(), logger)
}

func runServe(ctx context.Context, opts *options) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger.Info("starting conductord",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := workflow.NewRegistry(logger)
	if err != nil {
		return err
	}
	if dir := cfg.Workflow.TemplatesDir; dir != "" {
		n, err := registry.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load templates from %s: %w", dir, err)
		}
		logger.Info("workflow templates loaded", slog.String("dir", dir), slog.Int("count", n))
	}

	dec, err := cfg.LLM.NewDecider(logger)
	if err != nil {
		return err
	}
	svc, err := coordinator.New(st, coordinator.Options{
		Decider:          dec,
		Registry:         registry,
		Assignment:       cfg.AssignConfig(),
		Jobs:             cfg.ProcessorConfig(),
		Policy:           cfg.JobPolicy(),
		ForceAssign:      cfg.Assignment.ForceAssign,
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	srv := server.New(svc, cfg.Server, version.Version, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Stop(shutdownCtx)
	})
	g.Go(func() error { return svc.Processor().Run(gctx) })
	g.Go(func() error { return svc.RunWatchdog(gctx, cfg.Agents.WatchdogInterval) })
	if cfg.Workflow.Watch {
		g.Go(func() error { return registry.Watch(gctx, cfg.Workflow.TemplatesDir) })
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
