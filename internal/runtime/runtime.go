// Package runtime drives the multi-channel event engine: one sequential
// cycle discovers inbound events, orders and truncates them against the
// queue limit, decides access, resolves routes, delivers responses with
// bounded retries, and records every step durably. A single Runtime owns a
// state directory; concurrent runtimes over one state dir are not supported.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tjfontaine/multichannel-engine/internal/adapters/pairing/allowlist"
	"github.com/tjfontaine/multichannel-engine/internal/command"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
	"github.com/tjfontaine/multichannel-engine/internal/outbound"
	"github.com/tjfontaine/multichannel-engine/internal/routing"
	"github.com/tjfontaine/multichannel-engine/internal/state"
	"github.com/tjfontaine/multichannel-engine/internal/tokens"
)

const (
	runnerSource       = "multichannel-engine-runner"
	runtimeEventsFile  = "runtime-events.jsonl"
	routeTracesFile    = "route-traces.jsonl"
	stateFileName      = "state.json"
	channelStoreSubdir = "channel-store"
)

// Config holds the per-instance runtime settings. Zero limits are floored
// to 1 so a misconfigured runtime still makes progress.
type Config struct {
	StateDir          string
	RoleTablePath     string
	QueueLimit        int
	ProcessedEventCap int
	RetryMaxAttempts  int
	RetryBaseDelayMS  uint64
	RetryJitterMS     uint64
	Telemetry         state.TelemetryPolicy
}

// Runtime owns all mutable engine state for one state directory.
type Runtime struct {
	config     Config
	logger     *slog.Logger
	pairing    ports.PairingEvaluator
	dispatcher ports.OutboundDispatcher
	handlers   ports.CommandHandlers
	publisher  ports.CycleReportPublisher
	archive    ports.UsageArchive
	estimator  *tokens.Estimator
	resolver   *routing.Resolver
	clock      func() uint64

	state     *state.RuntimeState
	processed map[string]struct{}
}

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithPairingEvaluator replaces the default allowlist-file evaluator.
func WithPairingEvaluator(evaluator ports.PairingEvaluator) Option {
	return func(r *Runtime) error {
		if evaluator == nil {
			return errors.New("pairing evaluator must not be nil")
		}
		r.pairing = evaluator
		return nil
	}
}

// WithDispatcher replaces the default channel_store outbound dispatcher.
func WithDispatcher(dispatcher ports.OutboundDispatcher) Option {
	return func(r *Runtime) error {
		if dispatcher == nil {
			return errors.New("outbound dispatcher must not be nil")
		}
		r.dispatcher = dispatcher
		return nil
	}
}

// WithCommandHandlers installs the optional in-band command executors.
func WithCommandHandlers(handlers ports.CommandHandlers) Option {
	return func(r *Runtime) error {
		r.handlers = handlers
		return nil
	}
}

// WithCycleReportPublisher forwards each cycle report to an external sink
// in addition to runtime-events.jsonl.
func WithCycleReportPublisher(publisher ports.CycleReportPublisher) Option {
	return func(r *Runtime) error {
		r.publisher = publisher
		return nil
	}
}

// WithUsageArchive records usage telemetry rows in a durable ledger.
func WithUsageArchive(archive ports.UsageArchive) Option {
	return func(r *Runtime) error {
		r.archive = archive
		return nil
	}
}

// WithClock replaces the wall clock. Tests use this for deterministic
// timestamps.
func WithClock(clock func() uint64) Option {
	return func(r *Runtime) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		r.clock = clock
		return nil
	}
}

// New builds a Runtime, loading the role table and persisted state for the
// configured state directory.
func New(config Config, opts ...Option) (*Runtime, error) {
	if config.StateDir == "" {
		return nil, errors.New("runtime state dir is required")
	}
	if config.QueueLimit < 1 {
		config.QueueLimit = 1
	}
	if config.ProcessedEventCap < 1 {
		config.ProcessedEventCap = 1
	}
	if config.RetryMaxAttempts < 1 {
		config.RetryMaxAttempts = 1
	}
	if config.Telemetry == (state.TelemetryPolicy{}) {
		config.Telemetry = state.DefaultTelemetryPolicy()
	}

	r := &Runtime{
		config:    config,
		logger:    slog.Default(),
		estimator: tokens.NewEstimator(),
		clock:     func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply runtime option: %w", err)
		}
	}
	if r.pairing == nil {
		r.pairing = allowlist.New(false)
	}
	if r.dispatcher == nil {
		dispatcher, err := outbound.NewDispatcher(outbound.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("build default outbound dispatcher: %w", err)
		}
		r.dispatcher = dispatcher
	}

	table, err := routing.LoadRoleTable(config.RoleTablePath)
	if err != nil {
		return nil, fmt.Errorf("load role table: %w", err)
	}
	r.resolver = routing.NewResolver(table)

	loaded, err := state.Load(r.statePath(), config.Telemetry, r.logger)
	if err != nil {
		return nil, fmt.Errorf("load runtime state: %w", err)
	}
	r.state = loaded
	r.state.ProcessedEventKeys = normalizeProcessedKeys(r.state.ProcessedEventKeys, config.ProcessedEventCap)
	r.processed = make(map[string]struct{}, len(r.state.ProcessedEventKeys))
	for _, key := range r.state.ProcessedEventKeys {
		r.processed[key] = struct{}{}
	}
	return r, nil
}

// Health returns the current transport health snapshot.
func (r *Runtime) Health() state.HealthSnapshot {
	return r.state.Health
}

// State returns the persisted runtime state. Callers must not mutate it.
func (r *Runtime) State() *state.RuntimeState {
	return r.state
}

func (r *Runtime) statePath() string {
	return filepath.Join(r.config.StateDir, stateFileName)
}

func (r *Runtime) channelStoreRoot() string {
	return filepath.Join(r.config.StateDir, channelStoreSubdir)
}

func (r *Runtime) commandExecutor() *command.Executor {
	return &command.Executor{
		Handlers:     r.handlers,
		StateDir:     r.config.StateDir,
		StatusReport: r.renderStatusReport,
	}
}

// StatusReport renders the one-line status summary for CLI consumers.
func (r *Runtime) StatusReport() string {
	return r.renderStatusReport()
}

// renderStatusReport backs the /tau status command with the persisted
// health and telemetry counters.
func (r *Runtime) renderStatusReport() string {
	classification := r.state.Health.Classify()
	return fmt.Sprintf(
		"multi-channel status: health_state=%s health_reason=%s failure_streak=%d queue_depth=%d processed_event_keys=%d typing_events=%d presence_events=%d usage_records=%d usage_chars=%d usage_chunks=%d usage_cost_micros=%d",
		classification.State,
		classification.Reason,
		r.state.Health.FailureStreak,
		r.state.Health.QueueDepth,
		len(r.state.ProcessedEventKeys),
		r.state.Telemetry.TypingEventsEmitted,
		r.state.Telemetry.PresenceEventsEmitted,
		r.state.Telemetry.UsageSummaryRecords,
		r.state.Telemetry.UsageResponseChars,
		r.state.Telemetry.UsageChunks,
		r.state.Telemetry.UsageEstimatedCostMicros,
	)
}

// recordProcessedEvent adds a key to the ledger and in-memory set, evicting
// oldest entries beyond the cap from both.
func (r *Runtime) recordProcessedEvent(eventKey string) {
	if _, seen := r.processed[eventKey]; seen {
		return
	}
	removed := r.state.RecordProcessedEvent(eventKey, r.config.ProcessedEventCap)
	r.processed[eventKey] = struct{}{}
	for _, key := range removed {
		delete(r.processed, key)
	}
}

// normalizeProcessedKeys deduplicates the ledger preserving order, then
// keeps the most recent cap entries.
func normalizeProcessedKeys(keys []string, cap int) []string {
	seen := make(map[string]struct{}, len(keys))
	deduped := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, key)
	}
	if len(deduped) > cap {
		deduped = deduped[len(deduped)-cap:]
	}
	return deduped
}
