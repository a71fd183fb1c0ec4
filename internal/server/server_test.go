package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/multichannel-engine/internal/state"
)

type stubSource struct {
	state *state.RuntimeState
}

func (s *stubSource) Health() state.HealthSnapshot { return s.state.Health }
func (s *stubSource) State() *state.RuntimeState   { return s.state }

func newStubSource() *stubSource {
	runtimeState := state.NewRuntimeState(state.DefaultTelemetryPolicy())
	runtimeState.ProcessedEventKeys = []string{"telegram:evt-1", "discord:evt-2"}
	runtimeState.Health = state.HealthSnapshot{
		UpdatedUnixMS:       1_000,
		QueueDepth:          0,
		FailureStreak:       1,
		LastCycleDiscovered: 2,
		LastCycleProcessed:  2,
		LastCycleCompleted:  2,
	}
	runtimeState.Telemetry.TypingEventsEmitted = 4
	runtimeState.Telemetry.UsageSummaryRecords = 2
	return &stubSource{state: runtimeState}
}

func get(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	return rec, decoded
}

func TestLivenessEndpoint(t *testing.T) {
	srv := New(":0", slog.Default(), newStubSource())
	rec, body := get(t, srv.Router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusEndpointReportsClassification(t *testing.T) {
	srv := New(":0", slog.Default(), newStubSource())
	rec, body := get(t, srv.Router, "/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["health_state"])
	assert.Contains(t, body["health_reason"], "failure streak 1")
	assert.Equal(t, float64(2), body["processed_event_keys"])

	health, ok := body["health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), health["failure_streak"])
	assert.Equal(t, float64(2), health["last_cycle_completed"])
}

func TestTelemetryEndpoint(t *testing.T) {
	srv := New(":0", slog.Default(), newStubSource())
	rec, body := get(t, srv.Router, "/v1/telemetry")
	assert.Equal(t, http.StatusOK, rec.Code)

	counters, ok := body["counters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), counters["typing_events_emitted"])
	assert.Equal(t, float64(2), counters["usage_summary_records"])

	policy, ok := body["policy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, policy["typing_presence_enabled"])
	assert.Equal(t, float64(120), policy["typing_presence_min_response_chars"])
}
