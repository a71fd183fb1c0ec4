// Package state holds the persisted runtime state: the dedup ledger, the
// transport health snapshot, and telemetry counters. state.json is rewritten
// atomically after every cycle; an unreadable or mismatched file degrades to
// a fresh empty state rather than failing the cycle.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/tjfontaine/multichannel-engine/internal/store"
)

// SchemaVersion is the persisted runtime state schema.
const SchemaVersion = 1

// HealthState classifies a transport health snapshot.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailing  HealthState = "failing"
)

const failingStreakThreshold = 3

// HealthSnapshot captures one cycle's outcome counters plus the rolling
// failure streak.
type HealthSnapshot struct {
	UpdatedUnixMS       uint64 `json:"updated_unix_ms"`
	CycleDurationMS     uint64 `json:"cycle_duration_ms"`
	QueueDepth          int    `json:"queue_depth"`
	ActiveRuns          int    `json:"active_runs"`
	FailureStreak       int    `json:"failure_streak"`
	LastCycleDiscovered int    `json:"last_cycle_discovered"`
	LastCycleProcessed  int    `json:"last_cycle_processed"`
	LastCycleCompleted  int    `json:"last_cycle_completed"`
	LastCycleFailed     int    `json:"last_cycle_failed"`
	LastCycleDuplicates int    `json:"last_cycle_duplicates"`
}

// HealthClassification is the derived state plus its trigger.
type HealthClassification struct {
	State  HealthState
	Reason string
}

// Classify derives the health state from the streak and queue depth. Pure
// function; thresholds are part of the reporting contract.
func (h *HealthSnapshot) Classify() HealthClassification {
	switch {
	case h.FailureStreak >= failingStreakThreshold:
		return HealthClassification{
			State:  HealthFailing,
			Reason: fmt.Sprintf("failure streak %d reached failing threshold %d", h.FailureStreak, failingStreakThreshold),
		}
	case h.FailureStreak > 0:
		return HealthClassification{
			State:  HealthDegraded,
			Reason: fmt.Sprintf("failure streak %d below failing threshold %d", h.FailureStreak, failingStreakThreshold),
		}
	case h.QueueDepth > 0:
		return HealthClassification{
			State:  HealthDegraded,
			Reason: fmt.Sprintf("queue backlog of %d events awaiting next cycle", h.QueueDepth),
		}
	default:
		return HealthClassification{State: HealthHealthy, Reason: "no failures and no backlog"}
	}
}

// TelemetryCounters accumulates typing/presence and usage accounting,
// globally and per transport. All increments saturate.
type TelemetryCounters struct {
	TypingEventsEmitted      int    `json:"typing_events_emitted"`
	PresenceEventsEmitted    int    `json:"presence_events_emitted"`
	UsageSummaryRecords      int    `json:"usage_summary_records"`
	UsageResponseChars       int    `json:"usage_response_chars"`
	UsageChunks              int    `json:"usage_chunks"`
	UsageEstimatedCostMicros uint64 `json:"usage_estimated_cost_micros"`

	TypingEventsByTransport       map[string]int    `json:"typing_events_by_transport,omitempty"`
	PresenceEventsByTransport     map[string]int    `json:"presence_events_by_transport,omitempty"`
	UsageRecordsByTransport       map[string]int    `json:"usage_summary_records_by_transport,omitempty"`
	UsageResponseCharsByTransport map[string]int    `json:"usage_response_chars_by_transport,omitempty"`
	UsageChunksByTransport        map[string]int    `json:"usage_chunks_by_transport,omitempty"`
	UsageCostMicrosByTransport    map[string]uint64 `json:"usage_estimated_cost_micros_by_transport,omitempty"`
}

// TelemetryPolicy is the telemetry behavior snapshot persisted with state.
type TelemetryPolicy struct {
	TypingPresenceEnabled          bool `json:"typing_presence_enabled"`
	UsageSummaryEnabled            bool `json:"usage_summary_enabled"`
	IncludeIdentifiers             bool `json:"include_identifiers"`
	TypingPresenceMinResponseChars int  `json:"typing_presence_min_response_chars"`
}

// DefaultTelemetryPolicy returns the policy used when none is configured.
func DefaultTelemetryPolicy() TelemetryPolicy {
	return TelemetryPolicy{
		TypingPresenceEnabled:          true,
		UsageSummaryEnabled:            true,
		IncludeIdentifiers:             false,
		TypingPresenceMinResponseChars: 120,
	}
}

// RuntimeState is everything persisted in state.json.
type RuntimeState struct {
	SchemaVersion      int               `json:"schema_version"`
	ProcessedEventKeys []string          `json:"processed_event_keys"`
	Health             HealthSnapshot    `json:"health"`
	Telemetry          TelemetryCounters `json:"telemetry"`
	TelemetryPolicy    TelemetryPolicy   `json:"telemetry_policy"`
}

// NewRuntimeState returns an empty state with the given telemetry policy.
func NewRuntimeState(policy TelemetryPolicy) *RuntimeState {
	return &RuntimeState{
		SchemaVersion:   SchemaVersion,
		TelemetryPolicy: policy,
	}
}

// RecordProcessedEvent appends an event key to the ledger, evicting the
// oldest entries beyond cap. The caller's in-memory set must mirror the
// evictions, so removed keys are returned.
func (s *RuntimeState) RecordProcessedEvent(eventKey string, cap int) []string {
	s.ProcessedEventKeys = append(s.ProcessedEventKeys, eventKey)
	if cap <= 0 || len(s.ProcessedEventKeys) <= cap {
		return nil
	}
	overflow := len(s.ProcessedEventKeys) - cap
	evicted := append([]string(nil), s.ProcessedEventKeys[:overflow]...)
	s.ProcessedEventKeys = append(s.ProcessedEventKeys[:0], s.ProcessedEventKeys[overflow:]...)
	return evicted
}

// RecordTypingTelemetry counts one typing lifecycle emission.
func (s *RuntimeState) RecordTypingTelemetry(transport string) {
	s.Telemetry.TypingEventsEmitted = satAddInt(s.Telemetry.TypingEventsEmitted, 1)
	if s.Telemetry.TypingEventsByTransport == nil {
		s.Telemetry.TypingEventsByTransport = map[string]int{}
	}
	s.Telemetry.TypingEventsByTransport[transport] = satAddInt(s.Telemetry.TypingEventsByTransport[transport], 1)
}

// RecordPresenceTelemetry counts one presence lifecycle emission.
func (s *RuntimeState) RecordPresenceTelemetry(transport string) {
	s.Telemetry.PresenceEventsEmitted = satAddInt(s.Telemetry.PresenceEventsEmitted, 1)
	if s.Telemetry.PresenceEventsByTransport == nil {
		s.Telemetry.PresenceEventsByTransport = map[string]int{}
	}
	s.Telemetry.PresenceEventsByTransport[transport] = satAddInt(s.Telemetry.PresenceEventsByTransport[transport], 1)
}

// RecordUsageSummary counts one delivered response: character count, chunk
// count, and estimated cost in micro-dollars.
func (s *RuntimeState) RecordUsageSummary(transport string, responseChars, chunks int, costMicros uint64) {
	s.Telemetry.UsageSummaryRecords = satAddInt(s.Telemetry.UsageSummaryRecords, 1)
	s.Telemetry.UsageResponseChars = satAddInt(s.Telemetry.UsageResponseChars, responseChars)
	s.Telemetry.UsageChunks = satAddInt(s.Telemetry.UsageChunks, chunks)
	s.Telemetry.UsageEstimatedCostMicros = satAddUint64(s.Telemetry.UsageEstimatedCostMicros, costMicros)

	if s.Telemetry.UsageRecordsByTransport == nil {
		s.Telemetry.UsageRecordsByTransport = map[string]int{}
	}
	if s.Telemetry.UsageResponseCharsByTransport == nil {
		s.Telemetry.UsageResponseCharsByTransport = map[string]int{}
	}
	if s.Telemetry.UsageChunksByTransport == nil {
		s.Telemetry.UsageChunksByTransport = map[string]int{}
	}
	if s.Telemetry.UsageCostMicrosByTransport == nil {
		s.Telemetry.UsageCostMicrosByTransport = map[string]uint64{}
	}
	s.Telemetry.UsageRecordsByTransport[transport] = satAddInt(s.Telemetry.UsageRecordsByTransport[transport], 1)
	s.Telemetry.UsageResponseCharsByTransport[transport] = satAddInt(s.Telemetry.UsageResponseCharsByTransport[transport], responseChars)
	s.Telemetry.UsageChunksByTransport[transport] = satAddInt(s.Telemetry.UsageChunksByTransport[transport], chunks)
	s.Telemetry.UsageCostMicrosByTransport[transport] = satAddUint64(s.Telemetry.UsageCostMicrosByTransport[transport], costMicros)
}

// Load reads state.json. Missing, unparseable, or schema-mismatched files
// reset to a fresh default state; only unexpected I/O failures are errors.
func Load(path string, policy TelemetryPolicy, logger *slog.Logger) (*RuntimeState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewRuntimeState(policy), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	var loaded RuntimeState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		logger.Warn("state file unparseable, starting fresh",
			slog.String("path", path), slog.String("error", err.Error()))
		return NewRuntimeState(policy), nil
	}
	if loaded.SchemaVersion != SchemaVersion {
		logger.Warn("state file schema mismatch, starting fresh",
			slog.String("path", path), slog.Int("found", loaded.SchemaVersion), slog.Int("expected", SchemaVersion))
		return NewRuntimeState(policy), nil
	}
	loaded.TelemetryPolicy = policy
	return &loaded, nil
}

// Save atomically rewrites state.json.
func Save(path string, s *RuntimeState) error {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runtime state: %w", err)
	}
	if err := store.WriteFileAtomic(path, append(payload, '\n')); err != nil {
		return fmt.Errorf("write runtime state %s: %w", path, err)
	}
	return nil
}

func satAddInt(current, delta int) int {
	if delta > 0 && current > math.MaxInt-delta {
		return math.MaxInt
	}
	return current + delta
}

func satAddUint64(current, delta uint64) uint64 {
	if current > math.MaxUint64-delta {
		return math.MaxUint64
	}
	return current + delta
}
