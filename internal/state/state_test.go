package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		streak int
		depth  int
		want   HealthState
	}{
		{0, 0, HealthHealthy},
		{1, 0, HealthDegraded},
		{2, 0, HealthDegraded},
		{3, 0, HealthFailing},
		{5, 2, HealthFailing},
		{0, 4, HealthDegraded},
	}
	for _, tc := range cases {
		snapshot := HealthSnapshot{FailureStreak: tc.streak, QueueDepth: tc.depth}
		got := snapshot.Classify()
		if got.State != tc.want {
			t.Fatalf("streak=%d depth=%d: got %s want %s", tc.streak, tc.depth, got.State, tc.want)
		}
		if got.Reason == "" {
			t.Fatalf("classification reason must not be empty")
		}
	}
}

func TestRecordProcessedEventEvictsFIFO(t *testing.T) {
	s := NewRuntimeState(DefaultTelemetryPolicy())
	for _, key := range []string{"a", "b", "c"} {
		if evicted := s.RecordProcessedEvent(key, 3); len(evicted) != 0 {
			t.Fatalf("unexpected eviction %v", evicted)
		}
	}
	evicted := s.RecordProcessedEvent("d", 3)
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected oldest key evicted, got %v", evicted)
	}
	if len(s.ProcessedEventKeys) != 3 || s.ProcessedEventKeys[0] != "b" {
		t.Fatalf("unexpected ledger %v", s.ProcessedEventKeys)
	}
}

func TestTelemetryCountersAccumulatePerTransport(t *testing.T) {
	s := NewRuntimeState(DefaultTelemetryPolicy())
	s.RecordTypingTelemetry("telegram")
	s.RecordTypingTelemetry("telegram")
	s.RecordPresenceTelemetry("discord")
	s.RecordUsageSummary("telegram", 240, 2, 1500)

	if s.Telemetry.TypingEventsEmitted != 2 || s.Telemetry.TypingEventsByTransport["telegram"] != 2 {
		t.Fatalf("unexpected typing counters %+v", s.Telemetry)
	}
	if s.Telemetry.PresenceEventsEmitted != 1 || s.Telemetry.PresenceEventsByTransport["discord"] != 1 {
		t.Fatalf("unexpected presence counters %+v", s.Telemetry)
	}
	if s.Telemetry.UsageSummaryRecords != 1 || s.Telemetry.UsageResponseChars != 240 ||
		s.Telemetry.UsageChunks != 2 || s.Telemetry.UsageEstimatedCostMicros != 1500 {
		t.Fatalf("unexpected usage counters %+v", s.Telemetry)
	}
	if s.Telemetry.UsageCostMicrosByTransport["telegram"] != 1500 {
		t.Fatalf("unexpected per-transport cost %+v", s.Telemetry.UsageCostMicrosByTransport)
	}
}

func TestLoadMissingFileReturnsFreshState(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), DefaultTelemetryPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.SchemaVersion != SchemaVersion || len(s.ProcessedEventKeys) != 0 {
		t.Fatalf("unexpected fresh state %+v", s)
	}
}

func TestLoadUnparseableFileResetsNonFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := Load(path, DefaultTelemetryPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("load should degrade, not fail: %v", err)
	}
	if len(s.ProcessedEventKeys) != 0 {
		t.Fatalf("expected fresh state")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewRuntimeState(DefaultTelemetryPolicy())
	s.RecordProcessedEvent("telegram:e1", 10)
	s.Health.FailureStreak = 2
	s.RecordUsageSummary("discord", 10, 1, 7)
	if err := Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, DefaultTelemetryPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.ProcessedEventKeys) != 1 || loaded.ProcessedEventKeys[0] != "telegram:e1" {
		t.Fatalf("ledger not preserved: %v", loaded.ProcessedEventKeys)
	}
	if loaded.Health.FailureStreak != 2 {
		t.Fatalf("health not preserved: %+v", loaded.Health)
	}
	if loaded.Telemetry.UsageEstimatedCostMicros != 7 {
		t.Fatalf("telemetry not preserved: %+v", loaded.Telemetry)
	}
}

func TestLoadSchemaMismatchResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"schema_version": 99, "processed_event_keys": ["x"]}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := Load(path, DefaultTelemetryPolicy(), slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.ProcessedEventKeys) != 0 {
		t.Fatalf("expected reset state, got %v", s.ProcessedEventKeys)
	}
}
