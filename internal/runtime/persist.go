package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
	"github.com/tjfontaine/multichannel-engine/internal/policy"
	"github.com/tjfontaine/multichannel-engine/internal/routing"
	"github.com/tjfontaine/multichannel-engine/internal/store"
)

const (
	routeTraceRecordType = "multi_channel_route_trace_v1"
	lifecycleRecordType  = "multi_channel_telemetry_lifecycle_v1"
	lifecycleReasonCode  = "telemetry_lifecycle_emitted"
)

type persistOutcome struct {
	typingEventsEmitted      int
	presenceEventsEmitted    int
	usageSummaryRecords      int
	usageResponseChars       int
	usageChunks              int
	usageEstimatedCostMicros uint64
}

// persistEvent writes the full durable record for one admitted event:
// inbound log and route trace, then either the denied record or the
// response pipeline (command execution, lifecycle telemetry, delivery,
// context entries, outbound record, usage counters). Every append is
// guarded by an idempotency predicate over the entries loaded up front, so
// re-persisting an event after a crash or retry never duplicates lines.
func (r *Runtime) persistEvent(ctx context.Context, event *contract.InboundEvent, eventKey string, access *policy.AccessDecision, route *routing.Decision) (persistOutcome, error) {
	var outcome persistOutcome

	channel, err := store.Open(r.channelStoreRoot(), string(event.Transport), route.SessionKey)
	if err != nil {
		return outcome, err
	}
	existingLogs, err := channel.LoadLogEntries()
	if err != nil {
		return outcome, err
	}
	existingContext, err := channel.LoadContextEntries()
	if err != nil {
		return outcome, err
	}

	ts := r.clock()
	routePayload := routeTracePayload(event, eventKey, route, ts)
	pairingPayload := pairingDecisionPayload(event, access)
	channelPolicyPayload := channelPolicyDecisionPayload(&access.ChannelPolicy)

	if !store.ContainsEventDirection(existingLogs, eventKey, "inbound") {
		inboundPayload, err := inboundEventPayload(event, route, routePayload, pairingPayload, channelPolicyPayload)
		if err != nil {
			return outcome, err
		}
		if err := channel.AppendLogEntry(&store.LogEntry{
			TimestampUnixMS: ts,
			Direction:       "inbound",
			EventKey:        eventKey,
			Source:          string(event.Transport),
			Payload:         inboundPayload,
		}); err != nil {
			return outcome, err
		}
		traceLine, err := json.Marshal(routePayload)
		if err != nil {
			return outcome, fmt.Errorf("serialize route trace: %w", err)
		}
		if err := appendLine(filepath.Join(r.config.StateDir, routeTracesFile), traceLine); err != nil {
			return outcome, err
		}
	}

	if !access.FinalDecision.Allowed {
		if !store.ContainsOutboundStatus(existingLogs, eventKey, "denied") {
			payload := mustMarshalPayload(map[string]any{
				"status":            "denied",
				"reason_code":       access.FinalDecision.ReasonCode,
				"policy_channel":    access.PolicyChannel,
				"actor_id":          strings.TrimSpace(event.ActorID),
				"event_key":         eventKey,
				"transport":         string(event.Transport),
				"conversation_id":   strings.TrimSpace(event.ConversationID),
				"route_session_key": route.SessionKey,
				"route":             route,
				"channel_policy":    channelPolicyPayload,
				"pairing":           pairingPayload,
			})
			if err := channel.AppendLogEntry(&store.LogEntry{
				TimestampUnixMS: ts,
				Direction:       "outbound",
				EventKey:        eventKey,
				Source:          runnerSource,
				Payload:         payload,
			}); err != nil {
				return outcome, err
			}
		}
		return outcome, nil
	}

	execution := r.commandExecutor().Execute(event, access.FinalDecision.ReasonCode)
	var commandPayload json.RawMessage
	responseText := ""
	if execution != nil {
		commandPayload = execution.Payload()
		responseText = execution.ResponseText
	} else {
		responseText = renderResponse(event)
	}
	responseChars := utf8.RuneCountInString(responseText)
	emitLifecycle := r.shouldEmitLifecycle(event, responseText)

	if emitLifecycle {
		appended, err := r.appendLifecycleEntry(channel, existingLogs, event, eventKey, ts,
			"typing_started", "typing", "started", lifecycleSignal(event.Transport, "typing"), route)
		if err != nil {
			return outcome, err
		}
		if appended {
			r.state.RecordTypingTelemetry(string(event.Transport))
			outcome.typingEventsEmitted++
		}
		appended, err = r.appendLifecycleEntry(channel, existingLogs, event, eventKey, ts,
			"presence_active", "presence", "active", lifecycleSignal(event.Transport, "active"), route)
		if err != nil {
			return outcome, err
		}
		if appended {
			r.state.RecordPresenceTelemetry(string(event.Transport))
			outcome.presenceEventsEmitted++
		}
	}

	delivery, err := r.dispatcher.Deliver(ctx, event, responseText)
	if err != nil {
		var deliveryErr *ports.DeliveryError
		if errors.As(err, &deliveryErr) {
			if logErr := r.appendDeliveryFailureLog(channel, existingLogs, event, eventKey, ts,
				deliveryErr, route, pairingPayload, channelPolicyPayload, commandPayload); logErr != nil {
				return outcome, logErr
			}
		}
		return outcome, fmt.Errorf("deliver response for %s: %w", eventKey, err)
	}

	if emitLifecycle {
		appended, err := r.appendLifecycleEntry(channel, existingLogs, event, eventKey, ts,
			"typing_stopped", "typing", "stopped", lifecycleSignal(event.Transport, "typing_stopped"), route)
		if err != nil {
			return outcome, err
		}
		if appended {
			r.state.RecordTypingTelemetry(string(event.Transport))
			outcome.typingEventsEmitted++
		}
		appended, err = r.appendLifecycleEntry(channel, existingLogs, event, eventKey, ts,
			"presence_idle", "presence", "idle", lifecycleSignal(event.Transport, "idle"), route)
		if err != nil {
			return outcome, err
		}
		if appended {
			r.state.RecordPresenceTelemetry(string(event.Transport))
			outcome.presenceEventsEmitted++
		}
	}

	if userText := strings.TrimSpace(event.Text); userText != "" && !store.ContainsContextEntry(existingContext, "user", userText) {
		if err := channel.AppendContextEntry(&store.ContextEntry{
			TimestampUnixMS: ts,
			Role:            "user",
			Text:            userText,
		}); err != nil {
			return outcome, err
		}
	}

	if !store.ContainsOutboundResponse(existingLogs, eventKey, responseText) {
		responseFields := map[string]any{
			"response":          responseText,
			"event_key":         eventKey,
			"transport":         string(event.Transport),
			"conversation_id":   strings.TrimSpace(event.ConversationID),
			"route_session_key": route.SessionKey,
			"route":             route,
			"pairing":           pairingPayload,
			"channel_policy":    channelPolicyPayload,
			"delivery":          delivery,
		}
		if commandPayload != nil {
			responseFields["command"] = commandPayload
		}
		if err := channel.AppendLogEntry(&store.LogEntry{
			TimestampUnixMS: ts,
			Direction:       "outbound",
			EventKey:        eventKey,
			Source:          runnerSource,
			Payload:         mustMarshalPayload(responseFields),
		}); err != nil {
			return outcome, err
		}
	}

	if !store.ContainsContextEntry(existingContext, "assistant", responseText) {
		if err := channel.AppendContextEntry(&store.ContextEntry{
			TimestampUnixMS: ts,
			Role:            "assistant",
			Text:            responseText,
		}); err != nil {
			return outcome, err
		}
	}

	if r.config.Telemetry.UsageSummaryEnabled {
		costMicros := usageCostMicros(event)
		r.state.RecordUsageSummary(string(event.Transport), responseChars, delivery.ChunkCount, costMicros)
		outcome.usageSummaryRecords++
		outcome.usageResponseChars += responseChars
		outcome.usageChunks += delivery.ChunkCount
		outcome.usageEstimatedCostMicros += costMicros

		if r.archive != nil {
			record := &ports.UsageArchiveRecord{
				EventKey:        eventKey,
				Transport:       string(event.Transport),
				ResponseChars:   responseChars,
				ChunkCount:      delivery.ChunkCount,
				EstimatedTokens: r.estimator.Count(responseText),
				CostMicros:      costMicros,
				CreatedUnixMS:   r.clock(),
			}
			if err := r.archive.RecordUsage(ctx, record); err != nil {
				r.logger.Warn("usage archive write failed",
					slog.String("event_key", eventKey), slog.String("error", err.Error()))
			}
		}
	}
	return outcome, nil
}

func (r *Runtime) appendLifecycleEntry(channel *store.ChannelStore, existingLogs []store.LogEntry, event *contract.InboundEvent, eventKey string, ts uint64, status, kind, state, signal string, route *routing.Decision) (bool, error) {
	if store.ContainsOutboundStatus(existingLogs, eventKey, status) {
		return false, nil
	}
	fields := map[string]any{
		"status":          status,
		"record_type":     lifecycleRecordType,
		"reason_code":     lifecycleReasonCode,
		"telemetry_kind":  kind,
		"telemetry_state": state,
		"signal":          signal,
		"transport":       string(event.Transport),
		"event_key":       eventKey,
	}
	if r.config.Telemetry.IncludeIdentifiers {
		fields["conversation_id"] = strings.TrimSpace(event.ConversationID)
		fields["actor_id"] = strings.TrimSpace(event.ActorID)
		fields["route_session_key"] = route.SessionKey
	}
	err := channel.AppendLogEntry(&store.LogEntry{
		TimestampUnixMS: ts,
		Direction:       "outbound",
		EventKey:        eventKey,
		Source:          runnerSource,
		Payload:         mustMarshalPayload(fields),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Runtime) appendDeliveryFailureLog(channel *store.ChannelStore, existingLogs []store.LogEntry, event *contract.InboundEvent, eventKey string, ts uint64, deliveryErr *ports.DeliveryError, route *routing.Decision, pairingPayload, channelPolicyPayload map[string]any, commandPayload json.RawMessage) error {
	if store.ContainsOutboundStatus(existingLogs, eventKey, "delivery_failed") {
		return nil
	}
	fields := map[string]any{
		"status":            "delivery_failed",
		"reason_code":       deliveryErr.ReasonCode,
		"detail":            deliveryErr.Detail,
		"retryable":         deliveryErr.Retryable,
		"chunk_index":       deliveryErr.ChunkIndex,
		"chunk_count":       deliveryErr.ChunkCount,
		"endpoint":          deliveryErr.Endpoint,
		"http_status":       deliveryErr.HTTPStatus,
		"request_body":      deliveryErr.RequestBody,
		"delivery_mode":     r.dispatcher.Mode(),
		"event_key":         eventKey,
		"transport":         string(event.Transport),
		"conversation_id":   strings.TrimSpace(event.ConversationID),
		"route_session_key": route.SessionKey,
		"route":             route,
		"pairing":           pairingPayload,
		"channel_policy":    channelPolicyPayload,
	}
	if commandPayload != nil {
		fields["command"] = commandPayload
	}
	return channel.AppendLogEntry(&store.LogEntry{
		TimestampUnixMS: ts,
		Direction:       "outbound",
		EventKey:        eventKey,
		Source:          runnerSource,
		Payload:         mustMarshalPayload(fields),
	})
}

// shouldEmitLifecycle gates typing/presence emission: disabled policy wins,
// the force metadata flag overrides the length threshold.
func (r *Runtime) shouldEmitLifecycle(event *contract.InboundEvent, responseText string) bool {
	if !r.config.Telemetry.TypingPresenceEnabled {
		return false
	}
	if event.MetadataBool("telemetry_force_typing_presence") {
		return true
	}
	return utf8.RuneCountInString(responseText) >= r.config.Telemetry.TypingPresenceMinResponseChars
}

func lifecycleSignal(transport contract.Transport, state string) string {
	switch state {
	case "typing", "typing_stopped":
		return string(transport) + ":typing"
	case "active":
		if transport == contract.TransportWhatsapp {
			return "whatsapp:available"
		}
		return string(transport) + ":online"
	default:
		return string(transport) + ":idle"
	}
}

func routeTracePayload(event *contract.InboundEvent, eventKey string, route *routing.Decision, ts uint64) map[string]any {
	return map[string]any{
		"record_type":        routeTraceRecordType,
		"timestamp_unix_ms":  ts,
		"event_key":          eventKey,
		"transport":          string(event.Transport),
		"conversation_id":    strings.TrimSpace(event.ConversationID),
		"actor_id":           strings.TrimSpace(event.ActorID),
		"binding_id":         route.BindingID,
		"binding_matched":    route.Matched,
		"match_specificity":  route.Specificity,
		"phase":              route.Phase,
		"account_id":         route.AccountID,
		"requested_category": route.RequestedCategory,
		"selected_category":  route.SelectedCategory,
		"selected_role":      route.SelectedRole,
		"fallback_roles":     route.FallbackRoles,
		"attempt_roles":      route.AttemptRoles,
		"session_key":        route.SessionKey,
	}
}

func pairingDecisionPayload(event *contract.InboundEvent, access *policy.AccessDecision) map[string]any {
	decision := "deny"
	if access.PairingDecision.Allowed {
		decision = "allow"
	}
	return map[string]any{
		"decision":    decision,
		"reason_code": access.PairingDecision.ReasonCode,
		"channel":     access.PolicyChannel,
		"actor_id":    strings.TrimSpace(event.ActorID),
		"checked":     access.PairingChecked,
	}
}

func channelPolicyDecisionPayload(eval *policy.Evaluation) map[string]any {
	decision := "deny"
	if eval.Decision.Allowed {
		decision = "allow"
	}
	return map[string]any{
		"decision":           decision,
		"reason_code":        eval.Decision.ReasonCode,
		"channel":            eval.PolicyChannel,
		"matched_policy_key": eval.MatchedPolicyKey,
		"conversation_kind":  string(eval.ConversationKind),
		"dm_policy":          string(eval.Policy.DMPolicy),
		"allow_from":         string(eval.Policy.AllowFrom),
		"group_policy":       string(eval.Policy.GroupPolicy),
		"require_mention":    eval.Policy.RequireMention,
		"mention_present":    eval.MentionPresent,
	}
}

// inboundEventPayload is the raw event object augmented with the decisions
// that admitted it, so the log line alone reconstructs the full picture.
func inboundEventPayload(event *contract.InboundEvent, route *routing.Decision, routePayload, pairingPayload, channelPolicyPayload map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize inbound event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reshape inbound event: %w", err)
	}
	fields["pairing"] = pairingPayload
	fields["channel_policy"] = channelPolicyPayload
	fields["route"] = routePayload
	fields["route_session_key"] = route.SessionKey
	return mustMarshalPayload(fields), nil
}

// renderResponse is the deterministic acknowledgement used when no command
// handler produced a response body.
func renderResponse(event *contract.InboundEvent) string {
	if event.EventKind == contract.EventKindCommand || strings.HasPrefix(strings.TrimSpace(event.Text), "/") {
		return fmt.Sprintf("command acknowledged: transport=%s event_id=%s conversation=%s",
			event.Transport, strings.TrimSpace(event.EventID), event.ConversationID)
	}
	return fmt.Sprintf("message processed: transport=%s event_id=%s text_chars=%d",
		event.Transport, strings.TrimSpace(event.EventID), utf8.RuneCountInString(event.Text))
}

// usageCostMicros reads the per-event cost hint: usage_cost_micros wins,
// then usage_cost_usd converted at 1e6 micros per dollar.
func usageCostMicros(event *contract.InboundEvent) uint64 {
	if micros, ok := event.MetadataNumber("usage_cost_micros"); ok && micros >= 0 {
		return uint64(micros)
	}
	if usd, ok := event.MetadataNumber("usage_cost_usd"); ok {
		if math.IsNaN(usd) || math.IsInf(usd, 0) || usd < 0 {
			return 0
		}
		return uint64(math.Round(usd * 1_000_000))
	}
	return 0
}

func mustMarshalPayload(fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("marshal log payload: %v", err))
	}
	return raw
}
