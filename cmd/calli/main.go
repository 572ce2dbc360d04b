// Command calli is the Callidora concierge server.
//
// Usage:
//
//	calli serve [--config calli.yaml]
//	calli crawl [--config calli.yaml]
//	calli version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/callidora/calli/internal/app"
	"github.com/callidora/calli/internal/config"
	"github.com/callidora/calli/internal/observe"
	"github.com/callidora/calli/pkg/knowledge"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "calli: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "calli",
		Short:         "Calli, the Callidora Cove concierge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "calli.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newCrawlCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, &level)
	slog.SetDefault(logger)

	logger.Info("calli starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"llm", cfg.LLM.Name,
		"model", cfg.LLM.Model,
		"memory", cfg.Memory.Backend,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(parent, observe.ProviderConfig{
		ServiceName:    "calli",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Model provider ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	model, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm provider %q: %w", cfg.LLM.Name, err)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, &app.Providers{LLM: model, LLMName: cfg.LLM.Name},
		app.WithLogger(logger),
		app.WithLogLevel(&level),
		app.WithConfigPath(configPath),
	)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("goodbye")
	return nil
}

// ── crawl ─────────────────────────────────────────────────────────────────────

func newCrawlCommand(configPath *string) *cobra.Command {
	var (
		seed     string
		maxPages int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the website once and merge pages into the knowledge file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if seed != "" {
				cfg.Crawler.SeedURL = seed
			}
			if maxPages > 0 {
				cfg.Crawler.MaxPages = maxPages
			}

			var level slog.LevelVar
			level.Set(cfg.Server.LogLevel.Level())
			logger := newLogger(os.Stderr, cfg.Server.LogFormat, &level)

			store, err := knowledge.OpenFileStore(cfg.Knowledge.Path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats, err := app.NewCrawler(cfg.Crawler, logger).Run(ctx, store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "crawled %d pages: %d captured, %d skipped, %d failed (%d new, %d updated) -> %s\n",
				stats.Visited, stats.Captured, stats.Skipped, stats.Failed, stats.Added, stats.Replaced, store.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "override crawler.seed_url")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "override crawler.max_pages")
	return cmd
}

// ── version ───────────────────────────────────────────────────────────────────

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "calli", version)
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
