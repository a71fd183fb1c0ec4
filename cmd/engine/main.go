package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/multichannel-engine/internal/adapters/events/amqp"
	"github.com/tjfontaine/multichannel-engine/internal/adapters/pairing/allowlist"
	"github.com/tjfontaine/multichannel-engine/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/multichannel-engine/internal/config"
	"github.com/tjfontaine/multichannel-engine/internal/incident"
	"github.com/tjfontaine/multichannel-engine/internal/outbound"
	"github.com/tjfontaine/multichannel-engine/internal/runtime"
	"github.com/tjfontaine/multichannel-engine/internal/server"
	"github.com/tjfontaine/multichannel-engine/internal/state"
	"github.com/tjfontaine/multichannel-engine/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "multichannel-engine",
		Short:         "Multi-channel chat event engine",
		Long:          "Processes inbound chat events through access policy, routing, delivery, and durable channel-store records.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newIncidentCommand())
	return root
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

func newRunCommand() *cobra.Command {
	var (
		configPath string
		fixture    string
		ingressDir string
		stateDir   string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run event processing cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			logger := newLogger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if fixture != "" {
				cfg.Runtime.FixturePath = fixture
			}
			if ingressDir != "" {
				cfg.Runtime.IngressDir = ingressDir
			}
			if stateDir != "" {
				cfg.Runtime.StateDir = stateDir
			}
			if cfg.Runtime.FixturePath == "" && cfg.Runtime.IngressDir == "" {
				return errors.New("either a fixture path or an ingress dir is required")
			}

			shutdownTracer, err := telemetry.InitTracer("multichannel-engine", logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracer(context.Background()); err != nil {
					logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
				}
			}()

			rt, cleanup, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Server.Enabled {
				statusServer := server.New(cfg.Server.Addr, logger, rt)
				go func() {
					if err := statusServer.Start(); err != nil {
						logger.Error("status server failed", slog.String("error", err.Error()))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := statusServer.Shutdown(shutdownCtx); err != nil {
						logger.Error("status server shutdown failed", slog.String("error", err.Error()))
					}
				}()
			}

			if err := runCycle(ctx, rt, cfg, logger); err != nil {
				return err
			}
			if interval <= 0 {
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("shutdown signal received")
					return nil
				case <-ticker.C:
					if err := runCycle(ctx, rt, cfg, logger); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	cmd.Flags().StringVar(&fixture, "fixture", "", "contract fixture to process instead of live ingress")
	cmd.Flags().StringVar(&ingressDir, "ingress-dir", "", "directory of NDJSON ingress files")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "runtime state directory")
	cmd.Flags().DurationVar(&interval, "interval", 0, "when set, repeat cycles at this interval until interrupted")
	return cmd
}

func runCycle(ctx context.Context, rt *runtime.Runtime, cfg *config.Config, logger *slog.Logger) error {
	var summary *runtime.CycleSummary
	var err error
	if cfg.Runtime.FixturePath != "" {
		summary, err = rt.RunFixture(ctx, cfg.Runtime.FixturePath)
	} else {
		summary, err = rt.RunLive(ctx, cfg.Runtime.IngressDir)
	}
	if err != nil {
		return err
	}
	logger.Info("cycle completed",
		slog.Int("discovered", summary.DiscoveredEvents),
		slog.Int("queued", summary.QueuedEvents),
		slog.Int("completed", summary.CompletedEvents),
		slog.Int("duplicates", summary.DuplicateSkips),
		slog.Int("failed", summary.FailedEvents),
		slog.Int("retries", summary.RetryAttempts),
		slog.Int("policy_denied", summary.PolicyDeniedEvents),
	)
	return nil
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime.Runtime, func(), error) {
	dispatcher, err := outbound.NewDispatcher(outbound.Config{
		Mode:                  cfg.Outbound.Mode,
		MaxChars:              cfg.Outbound.MaxChars,
		HTTPTimeoutMS:         cfg.Outbound.HTTPTimeoutMS,
		TelegramAPIBase:       cfg.Outbound.TelegramAPIBase,
		DiscordAPIBase:        cfg.Outbound.DiscordAPIBase,
		WhatsappAPIBase:       cfg.Outbound.WhatsappAPIBase,
		TelegramBotToken:      cfg.Outbound.TelegramBotToken,
		DiscordBotToken:       cfg.Outbound.DiscordBotToken,
		WhatsappAccessToken:   cfg.Outbound.WhatsappAccessToken,
		WhatsappPhoneNumberID: cfg.Outbound.WhatsappPhoneNumberID,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithDispatcher(dispatcher),
		runtime.WithPairingEvaluator(allowlist.New(cfg.Pairing.StrictMode)),
	}
	var closers []func()

	if cfg.Events.AMQPURL != "" {
		publisher, err := amqp.Dial(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close cycle report publisher", slog.String("error", err.Error()))
			}
		})
		opts = append(opts, runtime.WithCycleReportPublisher(publisher))
	}
	if cfg.Archive.SQLitePath != "" {
		archive, err := sqlite.Open(cfg.Archive.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := archive.Close(); err != nil {
				logger.Warn("close usage archive", slog.String("error", err.Error()))
			}
		})
		opts = append(opts, runtime.WithUsageArchive(archive))
	}

	rt, err := runtime.New(runtime.Config{
		StateDir:          cfg.Runtime.StateDir,
		RoleTablePath:     cfg.Runtime.RoleTablePath,
		QueueLimit:        cfg.Runtime.QueueLimit,
		ProcessedEventCap: cfg.Runtime.ProcessedEventCap,
		RetryMaxAttempts:  cfg.Runtime.RetryMaxAttempts,
		RetryBaseDelayMS:  cfg.Runtime.RetryBaseDelayMS,
		RetryJitterMS:     cfg.Runtime.RetryJitterMS,
		Telemetry: state.TelemetryPolicy{
			TypingPresenceEnabled:          cfg.Telemetry.TypingPresenceEnabled,
			UsageSummaryEnabled:            cfg.Telemetry.UsageSummaryEnabled,
			IncludeIdentifiers:             cfg.Telemetry.IncludeIdentifiers,
			TypingPresenceMinResponseChars: cfg.Telemetry.TypingPresenceMinResponseChars,
		},
	}, opts...)
	if err != nil {
		for _, closer := range closers {
			closer()
		}
		return nil, nil, err
	}
	cleanup := func() {
		for _, closer := range closers {
			closer()
		}
	}
	return rt, cleanup, nil
}

func newStatusCommand() *cobra.Command {
	var (
		configPath string
		stateDir   string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted health and telemetry summary",
		RunE: func(_ *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			logger := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if stateDir != "" {
				cfg.Runtime.StateDir = stateDir
			}
			rt, err := runtime.New(runtime.Config{
				StateDir:      cfg.Runtime.StateDir,
				RoleTablePath: cfg.Runtime.RoleTablePath,
			}, runtime.WithLogger(logger))
			if err != nil {
				return err
			}
			fmt.Println(rt.StatusReport())
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "runtime state directory")
	return cmd
}

// incidentQueryFile is the YAML shape accepted by --query.
type incidentQueryFile struct {
	StateDir          string  `yaml:"state_dir"`
	WindowStartUnixMS *uint64 `yaml:"window_start_unix_ms"`
	WindowEndUnixMS   *uint64 `yaml:"window_end_unix_ms"`
	EventLimit        int     `yaml:"event_limit"`
	ReplayExportPath  string  `yaml:"replay_export_path"`
}

func newIncidentCommand() *cobra.Command {
	var (
		stateDir    string
		queryPath   string
		windowStart uint64
		windowEnd   uint64
		limit       int
		exportPath  string
	)
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Reconstruct an incident timeline from the channel store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := &incident.Query{EventLimit: limit}
			if queryPath != "" {
				raw, err := os.ReadFile(queryPath)
				if err != nil {
					return fmt.Errorf("read incident query %s: %w", queryPath, err)
				}
				var parsed incidentQueryFile
				if err := yaml.Unmarshal(raw, &parsed); err != nil {
					return fmt.Errorf("parse incident query %s: %w", queryPath, err)
				}
				query.StateDir = parsed.StateDir
				query.WindowStartUnixMS = parsed.WindowStartUnixMS
				query.WindowEndUnixMS = parsed.WindowEndUnixMS
				if parsed.EventLimit > 0 {
					query.EventLimit = parsed.EventLimit
				}
				query.ReplayExportPath = parsed.ReplayExportPath
			}
			if stateDir != "" {
				query.StateDir = stateDir
			}
			if cmd.Flags().Changed("window-start") {
				query.WindowStartUnixMS = &windowStart
			}
			if cmd.Flags().Changed("window-end") {
				query.WindowEndUnixMS = &windowEnd
			}
			if exportPath != "" {
				query.ReplayExportPath = exportPath
			}
			if query.StateDir == "" {
				return errors.New("a state dir is required (flag or query file)")
			}

			report, err := incident.BuildTimelineReport(query)
			if err != nil {
				return err
			}
			fmt.Println(incident.RenderTimelineReport(report))
			return nil
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "runtime state directory to scan")
	cmd.Flags().StringVar(&queryPath, "query", "", "YAML file describing the incident query")
	cmd.Flags().Uint64Var(&windowStart, "window-start", 0, "inclusive window start (unix ms)")
	cmd.Flags().Uint64Var(&windowEnd, "window-end", 0, "inclusive window end (unix ms)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events in the timeline")
	cmd.Flags().StringVar(&exportPath, "export", "", "write a replay export bundle to this path")
	return cmd
}
