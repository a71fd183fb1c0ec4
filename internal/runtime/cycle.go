package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
	"github.com/tjfontaine/multichannel-engine/internal/ingress"
	"github.com/tjfontaine/multichannel-engine/internal/policy"
	"github.com/tjfontaine/multichannel-engine/internal/retry"
	"github.com/tjfontaine/multichannel-engine/internal/routing"
	"github.com/tjfontaine/multichannel-engine/internal/state"
	"github.com/tjfontaine/multichannel-engine/internal/telemetry"
)

// CycleSummary aggregates one runtime cycle's counters.
type CycleSummary struct {
	DiscoveredEvents         int
	QueuedEvents             int
	CompletedEvents          int
	DuplicateSkips           int
	TransientFailures        int
	RetryAttempts            int
	FailedEvents             int
	PolicyCheckedEvents      int
	PolicyEnforcedEvents     int
	PolicyAllowedEvents      int
	PolicyDeniedEvents       int
	TypingEventsEmitted      int
	PresenceEventsEmitted    int
	UsageSummaryRecords      int
	UsageResponseChars       int
	UsageChunks              int
	UsageEstimatedCostMicros uint64
}

type cycleReport struct {
	TimestampUnixMS          uint64   `json:"timestamp_unix_ms"`
	HealthState              string   `json:"health_state"`
	HealthReason             string   `json:"health_reason"`
	ReasonCodes              []string `json:"reason_codes"`
	DiscoveredEvents         int      `json:"discovered_events"`
	QueuedEvents             int      `json:"queued_events"`
	CompletedEvents          int      `json:"completed_events"`
	DuplicateSkips           int      `json:"duplicate_skips"`
	TransientFailures        int      `json:"transient_failures"`
	RetryAttempts            int      `json:"retry_attempts"`
	FailedEvents             int      `json:"failed_events"`
	PolicyCheckedEvents      int      `json:"policy_checked_events"`
	PolicyEnforcedEvents     int      `json:"policy_enforced_events"`
	PolicyAllowedEvents      int      `json:"policy_allowed_events"`
	PolicyDeniedEvents       int      `json:"policy_denied_events"`
	TypingEventsEmitted      int      `json:"typing_events_emitted"`
	PresenceEventsEmitted    int      `json:"presence_events_emitted"`
	UsageSummaryRecords      int      `json:"usage_summary_records"`
	UsageResponseChars       int      `json:"usage_response_chars"`
	UsageChunks              int      `json:"usage_chunks"`
	UsageEstimatedCostMicros uint64   `json:"usage_estimated_cost_micros"`
	BacklogEvents            int      `json:"backlog_events"`
	FailureStreak            int      `json:"failure_streak"`
}

// RunFixture loads a contract fixture and runs one cycle over its events.
func (r *Runtime) RunFixture(ctx context.Context, fixturePath string) (*CycleSummary, error) {
	fixture, err := contract.LoadFixture(fixturePath)
	if err != nil {
		return nil, err
	}
	return r.RunCycle(ctx, fixture.Events)
}

// RunLive loads pending events from the NDJSON ingress directory and runs
// one cycle over them.
func (r *Runtime) RunLive(ctx context.Context, ingressDir string) (*CycleSummary, error) {
	events, err := ingress.NewLoader(ingressDir, r.logger).Load()
	if err != nil {
		return nil, err
	}
	return r.RunCycle(ctx, events)
}

// RunCycle processes one batch of discovered events: order, dedup, access,
// route, deliver with bounded retries, then persist state and append the
// cycle report.
func (r *Runtime) RunCycle(ctx context.Context, sourceEvents []contract.InboundEvent) (*CycleSummary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.cycle")
	defer span.End()

	cycleStarted := time.Now()
	summary := &CycleSummary{DiscoveredEvents: len(sourceEvents)}

	queued := make([]contract.InboundEvent, len(sourceEvents))
	copy(queued, sourceEvents)
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].TimestampMS != queued[j].TimestampMS {
			return queued[i].TimestampMS < queued[j].TimestampMS
		}
		return queued[i].EventKey() < queued[j].EventKey()
	})
	if len(queued) > r.config.QueueLimit {
		queued = queued[:r.config.QueueLimit]
	}
	summary.QueuedEvents = len(queued)

	policyFile, policyErr := policy.LoadForStateDir(r.config.StateDir)
	if policyErr != nil {
		r.logger.Warn("channel policy load failed",
			slog.String("state_dir", r.config.StateDir), slog.String("error", policyErr.Error()))
		policyFile = nil
	}
	bindings, err := routing.LoadBindings(r.config.StateDir)
	if err != nil {
		r.logger.Warn("route bindings load failed",
			slog.String("state_dir", r.config.StateDir), slog.String("error", err.Error()))
		bindings = &routing.BindingsFile{SchemaVersion: routing.SchemaVersion}
	}

	for i := range queued {
		event := &queued[i]
		eventKey := event.EventKey()
		if _, dup := r.processed[eventKey]; dup {
			summary.DuplicateSkips++
			continue
		}
		nowUnixMS := r.clock()
		route := r.resolver.Resolve(bindings, event)
		access := r.evaluateAccess(event, nowUnixMS, policyFile)
		summary.PolicyCheckedEvents++
		if access.PolicyEnforced {
			summary.PolicyEnforcedEvents++
		}

		simulated := simulatedTransientFailures(event)
		attempt := 1
		for {
			if attempt <= simulated {
				summary.TransientFailures++
				if attempt >= r.config.RetryMaxAttempts {
					summary.FailedEvents++
					break
				}
				summary.RetryAttempts++
				if err := retry.Sleep(ctx, r.config.RetryBaseDelayMS, r.config.RetryJitterMS, attempt, eventKey); err != nil {
					return nil, err
				}
				attempt++
				continue
			}

			outcome, err := r.persistEvent(ctx, event, eventKey, &access, route)
			if err == nil {
				r.recordProcessedEvent(eventKey)
				summary.CompletedEvents++
				summary.TypingEventsEmitted += outcome.typingEventsEmitted
				summary.PresenceEventsEmitted += outcome.presenceEventsEmitted
				summary.UsageSummaryRecords += outcome.usageSummaryRecords
				summary.UsageResponseChars += outcome.usageResponseChars
				summary.UsageChunks += outcome.usageChunks
				summary.UsageEstimatedCostMicros += outcome.usageEstimatedCostMicros
				if access.FinalDecision.Allowed {
					summary.PolicyAllowedEvents++
				} else {
					summary.PolicyDeniedEvents++
				}
				break
			}
			if attempt >= r.config.RetryMaxAttempts {
				r.logger.Error("event failed after retries",
					slog.String("event_key", eventKey),
					slog.String("transport", string(event.Transport)),
					slog.String("error", err.Error()))
				summary.FailedEvents++
				break
			}
			summary.TransientFailures++
			summary.RetryAttempts++
			if err := retry.Sleep(ctx, r.config.RetryBaseDelayMS, r.config.RetryJitterMS, attempt, eventKey); err != nil {
				return nil, err
			}
			attempt++
		}
	}

	cycleDurationMS := uint64(time.Since(cycleStarted).Milliseconds())
	health := r.buildHealthSnapshot(summary, cycleDurationMS)
	classification := health.Classify()
	reasonCodes := cycleReasonCodes(summary)

	r.state.Health = health
	r.state.TelemetryPolicy = r.config.Telemetry
	if err := state.Save(r.statePath(), r.state); err != nil {
		return nil, err
	}
	if err := r.appendCycleReport(ctx, summary, &health, classification, reasonCodes); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("engine.discovered_events", summary.DiscoveredEvents),
		attribute.Int("engine.completed_events", summary.CompletedEvents),
		attribute.Int("engine.failed_events", summary.FailedEvents),
		attribute.String("engine.health_state", string(classification.State)),
	)
	return summary, nil
}

func (r *Runtime) evaluateAccess(event *contract.InboundEvent, nowUnixMS uint64, policyFile *policy.File) policy.AccessDecision {
	var eval policy.Evaluation
	if policyFile == nil {
		eval = policy.LoadErrorEvaluation(event)
	} else {
		eval = policy.Evaluate(policyFile, event)
	}
	return policy.EvaluateAccess(eval, event, nowUnixMS, func(policyChannel, actorID string, now uint64) (ports.PairingDecision, error) {
		return r.pairing.EvaluatePairing(r.config.StateDir, policyChannel, actorID, now)
	})
}

// buildHealthSnapshot derives the post-cycle snapshot. A failed event
// extends the streak; a clean cycle resets it.
func (r *Runtime) buildHealthSnapshot(summary *CycleSummary, cycleDurationMS uint64) state.HealthSnapshot {
	failureStreak := 0
	if summary.FailedEvents > 0 {
		failureStreak = r.state.Health.FailureStreak + 1
	}
	return state.HealthSnapshot{
		UpdatedUnixMS:       r.clock(),
		CycleDurationMS:     cycleDurationMS,
		QueueDepth:          summary.DiscoveredEvents - summary.QueuedEvents,
		ActiveRuns:          0,
		FailureStreak:       failureStreak,
		LastCycleDiscovered: summary.DiscoveredEvents,
		LastCycleProcessed:  summary.CompletedEvents + summary.FailedEvents + summary.DuplicateSkips,
		LastCycleCompleted:  summary.CompletedEvents,
		LastCycleFailed:     summary.FailedEvents,
		LastCycleDuplicates: summary.DuplicateSkips,
	}
}

// cycleReasonCodes orders the report reason codes: operational issues (or
// healthy_cycle), then policy posture, then telemetry emissions.
func cycleReasonCodes(summary *CycleSummary) []string {
	var codes []string
	operationalIssue := false
	if summary.DiscoveredEvents > summary.QueuedEvents {
		operationalIssue = true
		codes = append(codes, "queue_backpressure_applied")
	}
	if summary.DuplicateSkips > 0 {
		operationalIssue = true
		codes = append(codes, "duplicate_events_skipped")
	}
	if summary.RetryAttempts > 0 {
		operationalIssue = true
		codes = append(codes, "retry_attempted")
	}
	if summary.TransientFailures > 0 {
		operationalIssue = true
		codes = append(codes, "transient_failures_observed")
	}
	if summary.FailedEvents > 0 {
		operationalIssue = true
		codes = append(codes, "event_processing_failed")
	}
	if !operationalIssue {
		codes = append(codes, "healthy_cycle")
	}
	if summary.PolicyCheckedEvents > 0 {
		if summary.PolicyEnforcedEvents > 0 {
			codes = append(codes, "pairing_policy_enforced")
		} else {
			codes = append(codes, "pairing_policy_permissive")
		}
	}
	if summary.PolicyDeniedEvents > 0 {
		codes = append(codes, "pairing_policy_denied_events")
	}
	if summary.TypingEventsEmitted > 0 || summary.PresenceEventsEmitted > 0 {
		codes = append(codes, "telemetry_lifecycle_emitted")
	}
	if summary.UsageSummaryRecords > 0 {
		codes = append(codes, "telemetry_usage_summary_emitted")
	}
	return codes
}

func (r *Runtime) appendCycleReport(ctx context.Context, summary *CycleSummary, health *state.HealthSnapshot, classification state.HealthClassification, reasonCodes []string) error {
	report := cycleReport{
		TimestampUnixMS:          r.clock(),
		HealthState:              string(classification.State),
		HealthReason:             classification.Reason,
		ReasonCodes:              reasonCodes,
		DiscoveredEvents:         summary.DiscoveredEvents,
		QueuedEvents:             summary.QueuedEvents,
		CompletedEvents:          summary.CompletedEvents,
		DuplicateSkips:           summary.DuplicateSkips,
		TransientFailures:        summary.TransientFailures,
		RetryAttempts:            summary.RetryAttempts,
		FailedEvents:             summary.FailedEvents,
		PolicyCheckedEvents:      summary.PolicyCheckedEvents,
		PolicyEnforcedEvents:     summary.PolicyEnforcedEvents,
		PolicyAllowedEvents:      summary.PolicyAllowedEvents,
		PolicyDeniedEvents:       summary.PolicyDeniedEvents,
		TypingEventsEmitted:      summary.TypingEventsEmitted,
		PresenceEventsEmitted:    summary.PresenceEventsEmitted,
		UsageSummaryRecords:      summary.UsageSummaryRecords,
		UsageResponseChars:       summary.UsageResponseChars,
		UsageChunks:              summary.UsageChunks,
		UsageEstimatedCostMicros: summary.UsageEstimatedCostMicros,
		BacklogEvents:            summary.DiscoveredEvents - summary.QueuedEvents,
		FailureStreak:            health.FailureStreak,
	}
	line, err := json.Marshal(&report)
	if err != nil {
		return fmt.Errorf("serialize cycle report: %w", err)
	}
	path := filepath.Join(r.config.StateDir, runtimeEventsFile)
	if err := appendLine(path, line); err != nil {
		return err
	}
	if r.publisher != nil {
		if err := r.publisher.PublishCycleReport(ctx, json.RawMessage(line)); err != nil {
			r.logger.Warn("cycle report publish failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func appendLine(path string, line []byte) error {
	if parent := filepath.Dir(path); parent != "" && parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", parent, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func simulatedTransientFailures(event *contract.InboundEvent) int {
	if value, ok := event.MetadataNumber("simulate_transient_failures"); ok && value > 0 {
		return int(value)
	}
	return 0
}
