// Package incident reconstructs per-event timelines from channel store logs.
// The report aggregates every log record sharing an event key into one
// timeline entry with route, policy, and delivery reason codes, and can
// export a deterministic replay bundle for offline analysis.
package incident

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tjfontaine/multichannel-engine/internal/store"
)

const (
	replayExportSchemaVersion = 1
	diagnosticCap             = 32
	statusHistoryCap          = 12
)

// OutcomeCounts tallies timeline entries by final outcome.
type OutcomeCounts struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// TimelineEntry is the aggregated view of one event key.
type TimelineEntry struct {
	EventKey               string   `json:"event_key"`
	Transport              string   `json:"transport"`
	ConversationID         string   `json:"conversation_id"`
	RouteSessionKey        string   `json:"route_session_key"`
	RouteBindingID         string   `json:"route_binding_id"`
	RouteReasonCode        string   `json:"route_reason_code"`
	PolicyReasonCode       string   `json:"policy_reason_code"`
	DeliveryReasonCode     string   `json:"delivery_reason_code"`
	Outcome                string   `json:"outcome"`
	FirstTimestampUnixMS   uint64   `json:"first_timestamp_unix_ms"`
	LastTimestampUnixMS    uint64   `json:"last_timestamp_unix_ms"`
	DeliveryFailedAttempts int      `json:"delivery_failed_attempts"`
	RetryableFailures      int      `json:"retryable_failures"`
	StatusHistory          []string `json:"status_history"`
}

// ReplayExportSummary describes a written replay bundle.
type ReplayExportSummary struct {
	Path           string `json:"path"`
	EventCount     int    `json:"event_count"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// TimelineReport is the full incident timeline result.
type TimelineReport struct {
	GeneratedUnixMS          uint64               `json:"generated_unix_ms"`
	StateDir                 string               `json:"state_dir"`
	ChannelStoreRoot         string               `json:"channel_store_root"`
	WindowStartUnixMS        *uint64              `json:"window_start_unix_ms"`
	WindowEndUnixMS          *uint64              `json:"window_end_unix_ms"`
	EventLimit               int                  `json:"event_limit"`
	ScannedChannelCount      int                  `json:"scanned_channel_count"`
	ScannedLogFileCount      int                  `json:"scanned_log_file_count"`
	ScannedLineCount         int                  `json:"scanned_line_count"`
	InvalidLineCount         int                  `json:"invalid_line_count"`
	TotalEventsBeforeLimit   int                  `json:"total_events_before_limit"`
	TruncatedEventCount      int                  `json:"truncated_event_count"`
	Outcomes                 OutcomeCounts        `json:"outcomes"`
	RouteReasonCodeCounts    map[string]int       `json:"route_reason_code_counts"`
	RouteBindingCounts       map[string]int       `json:"route_binding_counts"`
	PolicyReasonCodeCounts   map[string]int       `json:"policy_reason_code_counts"`
	DeliveryReasonCodeCounts map[string]int       `json:"delivery_reason_code_counts"`
	Diagnostics              []string             `json:"diagnostics"`
	Timeline                 []TimelineEntry      `json:"timeline"`
	ReplayExport             *ReplayExportSummary `json:"replay_export,omitempty"`
}

// Query selects the window and limits for a timeline report.
type Query struct {
	StateDir          string
	WindowStartUnixMS *uint64
	WindowEndUnixMS   *uint64
	EventLimit        int
	ReplayExportPath  string
}

type eventAggregate struct {
	firstTimestampUnixMS   uint64
	lastTimestampUnixMS    uint64
	transport              string
	conversationID         string
	routeSessionKey        string
	routeBindingID         string
	routeBindingMatched    *bool
	policyReasonCode       string
	deliveryReasonCode     string
	denied                 bool
	hasResponse            bool
	deliveryFailedAttempts int
	retryableFailures      int
	statusHistory          []string
	records                []store.LogEntry
}

type eventWithEntry struct {
	entry   TimelineEntry
	records []store.LogEntry
}

type replayEvent struct {
	EventKey        string           `json:"event_key"`
	Transport       string           `json:"transport"`
	ConversationID  string           `json:"conversation_id"`
	RouteSessionKey string           `json:"route_session_key"`
	Outcome         string           `json:"outcome"`
	Records         []store.LogEntry `json:"records"`
}

type replayExportFile struct {
	SchemaVersion            int             `json:"schema_version"`
	GeneratedUnixMS          uint64          `json:"generated_unix_ms"`
	StateDir                 string          `json:"state_dir"`
	ChannelStoreRoot         string          `json:"channel_store_root"`
	WindowStartUnixMS        *uint64         `json:"window_start_unix_ms"`
	WindowEndUnixMS          *uint64         `json:"window_end_unix_ms"`
	Outcomes                 OutcomeCounts   `json:"outcomes"`
	RouteReasonCodeCounts    map[string]int  `json:"route_reason_code_counts"`
	RouteBindingCounts       map[string]int  `json:"route_binding_counts"`
	PolicyReasonCodeCounts   map[string]int  `json:"policy_reason_code_counts"`
	DeliveryReasonCodeCounts map[string]int  `json:"delivery_reason_code_counts"`
	Diagnostics              []string        `json:"diagnostics"`
	Timeline                 []TimelineEntry `json:"timeline"`
	Events                   []replayEvent   `json:"events"`
}

// BuildTimelineReport scans the channel store under the query's state dir
// and aggregates the incident timeline.
func BuildTimelineReport(query *Query) (*TimelineReport, error) {
	if query.WindowStartUnixMS != nil && query.WindowEndUnixMS != nil &&
		*query.WindowEndUnixMS < *query.WindowStartUnixMS {
		return nil, fmt.Errorf("incident timeline window is invalid: end %d is less than start %d",
			*query.WindowEndUnixMS, *query.WindowStartUnixMS)
	}

	eventLimit := query.EventLimit
	if eventLimit < 1 {
		eventLimit = 1
	}
	channelStoreRoot := filepath.Join(query.StateDir, "channel-store")
	channelsRoot := filepath.Join(channelStoreRoot, "channels")

	var diagnostics []string
	logPaths, err := collectLogPaths(channelsRoot, &diagnostics)
	if err != nil {
		return nil, err
	}

	scannedLineCount := 0
	invalidLineCount := 0
	aggregates := map[string]*eventAggregate{}

	for _, logPath := range logPaths {
		raw, err := os.ReadFile(logPath.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", logPath.path, err)
		}
		for lineIndex, rawLine := range strings.Split(string(raw), "\n") {
			trimmed := strings.TrimSpace(rawLine)
			if trimmed == "" {
				continue
			}
			scannedLineCount++
			var entry store.LogEntry
			if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
				invalidLineCount++
				pushDiagnostic(&diagnostics, fmt.Sprintf("%s:%d invalid channel-store log line: %v",
					logPath.path, lineIndex+1, err))
				continue
			}
			if !inWindow(entry.TimestampUnixMS, query.WindowStartUnixMS, query.WindowEndUnixMS) {
				continue
			}
			eventKey := entryEventKey(&entry)
			if eventKey == "" {
				invalidLineCount++
				pushDiagnostic(&diagnostics, fmt.Sprintf("%s:%d skipped unkeyed channel-store record",
					logPath.path, lineIndex+1))
				continue
			}
			aggregate, ok := aggregates[eventKey]
			if !ok {
				aggregate = &eventAggregate{}
				aggregates[eventKey] = aggregate
			}
			mergeLogEntry(aggregate, &entry, logPath.transport, logPath.channelID)
		}
	}

	events := make([]eventWithEntry, 0, len(aggregates))
	for eventKey, aggregate := range aggregates {
		events = append(events, eventWithEntry{
			entry:   buildTimelineEntry(eventKey, aggregate),
			records: aggregate.records,
		})
	}
	sort.Slice(events, func(i, j int) bool {
		left, right := events[i].entry, events[j].entry
		if left.LastTimestampUnixMS != right.LastTimestampUnixMS {
			return left.LastTimestampUnixMS > right.LastTimestampUnixMS
		}
		if left.FirstTimestampUnixMS != right.FirstTimestampUnixMS {
			return left.FirstTimestampUnixMS > right.FirstTimestampUnixMS
		}
		return left.EventKey < right.EventKey
	})

	totalEventsBeforeLimit := len(events)
	if len(events) > eventLimit {
		events = events[:eventLimit]
	}

	report := &TimelineReport{
		GeneratedUnixMS:          uint64(time.Now().UnixMilli()),
		StateDir:                 query.StateDir,
		ChannelStoreRoot:         channelStoreRoot,
		WindowStartUnixMS:        query.WindowStartUnixMS,
		WindowEndUnixMS:          query.WindowEndUnixMS,
		EventLimit:               eventLimit,
		ScannedChannelCount:      len(logPaths),
		ScannedLogFileCount:      len(logPaths),
		ScannedLineCount:         scannedLineCount,
		InvalidLineCount:         invalidLineCount,
		TotalEventsBeforeLimit:   totalEventsBeforeLimit,
		TruncatedEventCount:      totalEventsBeforeLimit - len(events),
		RouteReasonCodeCounts:    map[string]int{},
		RouteBindingCounts:       map[string]int{},
		PolicyReasonCodeCounts:   map[string]int{},
		DeliveryReasonCodeCounts: map[string]int{},
		Diagnostics:              diagnostics,
		Timeline:                 make([]TimelineEntry, 0, len(events)),
	}
	if report.Diagnostics == nil {
		report.Diagnostics = []string{}
	}
	for _, event := range events {
		switch event.entry.Outcome {
		case "denied":
			report.Outcomes.Denied++
		case "retried":
			report.Outcomes.Retried++
		case "failed":
			report.Outcomes.Failed++
		default:
			report.Outcomes.Allowed++
		}
		report.RouteReasonCodeCounts[event.entry.RouteReasonCode]++
		report.RouteBindingCounts[event.entry.RouteBindingID]++
		report.PolicyReasonCodeCounts[event.entry.PolicyReasonCode]++
		report.DeliveryReasonCodeCounts[event.entry.DeliveryReasonCode]++
		report.Timeline = append(report.Timeline, event.entry)
	}

	if query.ReplayExportPath != "" {
		summary, err := writeReplayExport(query.ReplayExportPath, report, events)
		if err != nil {
			return nil, err
		}
		report.ReplayExport = summary
	}
	return report, nil
}

type channelLogPath struct {
	transport string
	channelID string
	path      string
}

// collectLogPaths walks <channels>/<transport>/<channel>/log.jsonl in sorted
// directory order.
func collectLogPaths(channelsRoot string, diagnostics *[]string) ([]channelLogPath, error) {
	info, err := os.Stat(channelsRoot)
	if os.IsNotExist(err) {
		pushDiagnostic(diagnostics, "channel-store channels directory is not present: "+channelsRoot)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", channelsRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("channel-store channels path %q must be a directory", channelsRoot)
	}

	transports, err := sortedSubdirs(channelsRoot)
	if err != nil {
		return nil, err
	}
	var paths []channelLogPath
	for _, transport := range transports {
		channels, err := sortedSubdirs(filepath.Join(channelsRoot, transport))
		if err != nil {
			return nil, err
		}
		for _, channelID := range channels {
			logPath := filepath.Join(channelsRoot, transport, channelID, "log.jsonl")
			if info, err := os.Stat(logPath); err == nil && info.Mode().IsRegular() {
				paths = append(paths, channelLogPath{transport: transport, channelID: channelID, path: logPath})
			}
		}
	}
	return paths, nil
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func mergeLogEntry(aggregate *eventAggregate, entry *store.LogEntry, transportHint, channelIDHint string) {
	if aggregate.firstTimestampUnixMS == 0 || entry.TimestampUnixMS < aggregate.firstTimestampUnixMS {
		aggregate.firstTimestampUnixMS = entry.TimestampUnixMS
	}
	if entry.TimestampUnixMS > aggregate.lastTimestampUnixMS {
		aggregate.lastTimestampUnixMS = entry.TimestampUnixMS
	}

	payload := decodePayload(entry.Payload)
	if aggregate.transport == "" {
		aggregate.transport = payloadText(payload, "transport")
		if aggregate.transport == "" {
			aggregate.transport = transportHint
		}
	}
	if aggregate.conversationID == "" {
		aggregate.conversationID = payloadText(payload, "conversation_id")
	}
	if aggregate.routeSessionKey == "" {
		aggregate.routeSessionKey = payloadText(payload, "route_session_key")
		if aggregate.routeSessionKey == "" {
			aggregate.routeSessionKey = channelIDHint
		}
	}
	if aggregate.routeBindingID == "" {
		aggregate.routeBindingID = nestedPayloadText(payload, "route", "binding_id")
	}
	if aggregate.routeBindingMatched == nil {
		if route, ok := payload["route"].(map[string]any); ok {
			if matched, ok := route["binding_matched"].(bool); ok {
				aggregate.routeBindingMatched = &matched
			}
		}
	}
	if reason := nestedPayloadText(payload, "channel_policy", "reason_code"); reason != "" {
		aggregate.policyReasonCode = reason
	}
	if reason := deliveryReasonCode(payload); reason != "" {
		aggregate.deliveryReasonCode = reason
	}

	if entry.Direction == "inbound" {
		pushStatus(&aggregate.statusHistory, "inbound")
	}
	if entry.Direction == "outbound" {
		if status := payloadText(payload, "status"); status != "" {
			pushStatus(&aggregate.statusHistory, status)
			if status == "denied" {
				aggregate.denied = true
			}
			if status == "delivery_failed" {
				aggregate.deliveryFailedAttempts++
				if retryable, ok := payload["retryable"].(bool); ok && retryable {
					aggregate.retryableFailures++
				}
			}
		}
		if _, ok := payload["response"]; ok {
			aggregate.hasResponse = true
			pushStatus(&aggregate.statusHistory, "delivered")
		}
	}

	aggregate.records = append(aggregate.records, *entry)
}

func buildTimelineEntry(eventKey string, aggregate *eventAggregate) TimelineEntry {
	outcome := aggregateOutcome(aggregate)

	policyReasonCode := aggregate.policyReasonCode
	if strings.TrimSpace(policyReasonCode) == "" {
		policyReasonCode = "policy_reason_unknown"
	}
	deliveryReasonCode := aggregate.deliveryReasonCode
	if strings.TrimSpace(deliveryReasonCode) == "" {
		switch outcome {
		case "denied":
			deliveryReasonCode = "delivery_denied"
		case "failed":
			deliveryReasonCode = "delivery_failed"
		case "retried":
			deliveryReasonCode = "delivery_retried"
		default:
			deliveryReasonCode = "delivery_success"
		}
	}
	routeBindingID := aggregate.routeBindingID
	if strings.TrimSpace(routeBindingID) == "" {
		routeBindingID = "default"
	}
	routeSessionKey := aggregate.routeSessionKey
	if strings.TrimSpace(routeSessionKey) == "" {
		routeSessionKey = "unknown"
	}
	statusHistory := aggregate.statusHistory
	if statusHistory == nil {
		statusHistory = []string{}
	}

	return TimelineEntry{
		EventKey:               eventKey,
		Transport:              aggregate.transport,
		ConversationID:         aggregate.conversationID,
		RouteSessionKey:        routeSessionKey,
		RouteBindingID:         routeBindingID,
		RouteReasonCode:        routeReasonCode(aggregate.routeBindingMatched),
		PolicyReasonCode:       policyReasonCode,
		DeliveryReasonCode:     deliveryReasonCode,
		Outcome:                outcome,
		FirstTimestampUnixMS:   aggregate.firstTimestampUnixMS,
		LastTimestampUnixMS:    aggregate.lastTimestampUnixMS,
		DeliveryFailedAttempts: aggregate.deliveryFailedAttempts,
		RetryableFailures:      aggregate.retryableFailures,
		StatusHistory:          statusHistory,
	}
}

func routeReasonCode(bindingMatched *bool) string {
	switch {
	case bindingMatched == nil:
		return "route_binding_unknown"
	case *bindingMatched:
		return "route_binding_matched"
	default:
		return "route_binding_default"
	}
}

func aggregateOutcome(aggregate *eventAggregate) string {
	if aggregate.denied {
		return "denied"
	}
	if aggregate.hasResponse {
		if aggregate.deliveryFailedAttempts > 0 {
			return "retried"
		}
		return "allowed"
	}
	if aggregate.deliveryFailedAttempts > 0 {
		return "failed"
	}
	return "allowed"
}

func entryEventKey(entry *store.LogEntry) string {
	if key := strings.TrimSpace(entry.EventKey); key != "" {
		return key
	}
	return payloadText(decodePayload(entry.Payload), "event_key")
}

func decodePayload(raw json.RawMessage) map[string]any {
	var payload map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &payload) != nil {
		return map[string]any{}
	}
	return payload
}

func payloadText(payload map[string]any, key string) string {
	if value, ok := payload[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func nestedPayloadText(payload map[string]any, path ...string) string {
	current := any(payload)
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = object[key]
		if !ok {
			return ""
		}
	}
	if value, ok := current.(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// deliveryReasonCode prefers the payload's own reason_code, then the first
// receipt reason under delivery.receipts.
func deliveryReasonCode(payload map[string]any) string {
	if reason := payloadText(payload, "reason_code"); reason != "" {
		return reason
	}
	delivery, ok := payload["delivery"].(map[string]any)
	if !ok {
		return ""
	}
	receipts, ok := delivery["receipts"].([]any)
	if !ok {
		return ""
	}
	for _, raw := range receipts {
		if receipt, ok := raw.(map[string]any); ok {
			if reason, ok := receipt["reason_code"].(string); ok && strings.TrimSpace(reason) != "" {
				return strings.TrimSpace(reason)
			}
		}
	}
	return ""
}

func inWindow(timestampUnixMS uint64, start, end *uint64) bool {
	if start != nil && timestampUnixMS < *start {
		return false
	}
	if end != nil && timestampUnixMS > *end {
		return false
	}
	return true
}

// pushStatus appends to the history, collapsing immediate repeats and
// dropping the oldest entry beyond the cap.
func pushStatus(history *[]string, status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	if len(*history) > 0 && (*history)[len(*history)-1] == status {
		return
	}
	*history = append(*history, status)
	if len(*history) > statusHistoryCap {
		*history = (*history)[1:]
	}
}

func pushDiagnostic(diagnostics *[]string, message string) {
	if len(*diagnostics) >= diagnosticCap {
		return
	}
	*diagnostics = append(*diagnostics, message)
}

// RenderTimelineReport renders the report as line-oriented text for the CLI.
func RenderTimelineReport(report *TimelineReport) string {
	var lines []string
	lines = append(lines, fmt.Sprintf(
		"multi-channel incident timeline: state_dir=%s channel_store_root=%s window_start_unix_ms=%s window_end_unix_ms=%s event_limit=%d events=%d truncated=%d scanned_channels=%d scanned_logs=%d scanned_lines=%d invalid_lines=%d outcomes=allowed:%d|denied:%d|retried:%d|failed:%d route_reason_code_counts=%s policy_reason_code_counts=%s delivery_reason_code_counts=%s replay_export=%s",
		report.StateDir,
		report.ChannelStoreRoot,
		renderOptionalTimestamp(report.WindowStartUnixMS),
		renderOptionalTimestamp(report.WindowEndUnixMS),
		report.EventLimit,
		len(report.Timeline),
		report.TruncatedEventCount,
		report.ScannedChannelCount,
		report.ScannedLogFileCount,
		report.ScannedLineCount,
		report.InvalidLineCount,
		report.Outcomes.Allowed,
		report.Outcomes.Denied,
		report.Outcomes.Retried,
		report.Outcomes.Failed,
		renderCounterMap(report.RouteReasonCodeCounts),
		renderCounterMap(report.PolicyReasonCodeCounts),
		renderCounterMap(report.DeliveryReasonCodeCounts),
		renderReplayExportPath(report.ReplayExport),
	))
	for _, entry := range report.Timeline {
		conversation := entry.ConversationID
		if conversation == "" {
			conversation = "unknown"
		}
		statusHistory := "none"
		if len(entry.StatusHistory) > 0 {
			statusHistory = strings.Join(entry.StatusHistory, ",")
		}
		lines = append(lines, fmt.Sprintf(
			"multi-channel incident event: event_key=%s outcome=%s transport=%s conversation_id=%s route_session_key=%s route_binding_id=%s route_reason_code=%s policy_reason_code=%s delivery_reason_code=%s first_timestamp_unix_ms=%d last_timestamp_unix_ms=%d delivery_failed_attempts=%d retryable_failures=%d status_history=%s",
			entry.EventKey,
			entry.Outcome,
			entry.Transport,
			conversation,
			entry.RouteSessionKey,
			entry.RouteBindingID,
			entry.RouteReasonCode,
			entry.PolicyReasonCode,
			entry.DeliveryReasonCode,
			entry.FirstTimestampUnixMS,
			entry.LastTimestampUnixMS,
			entry.DeliveryFailedAttempts,
			entry.RetryableFailures,
			statusHistory,
		))
	}
	if len(report.Diagnostics) > 0 {
		lines = append(lines, fmt.Sprintf("multi-channel incident diagnostics: count=%d sample=%s",
			len(report.Diagnostics), strings.Join(report.Diagnostics, " | ")))
	}
	return strings.Join(lines, "\n")
}

func renderOptionalTimestamp(value *uint64) string {
	if value == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *value)
}

func renderReplayExportPath(summary *ReplayExportSummary) string {
	if summary == nil {
		return "none"
	}
	return summary.Path
}

func renderCounterMap(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", key, counts[key]))
	}
	return strings.Join(parts, ",")
}

// writeReplayExport serializes the timeline with its raw records to a
// pretty-printed JSON bundle and returns the checksum over the exact bytes.
func writeReplayExport(path string, report *TimelineReport, events []eventWithEntry) (*ReplayExportSummary, error) {
	if parent := filepath.Dir(path); parent != "" && parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", parent, err)
		}
	}

	replayEvents := make([]replayEvent, 0, len(events))
	for _, event := range events {
		records := append([]store.LogEntry(nil), event.records...)
		sort.Slice(records, func(i, j int) bool {
			if records[i].TimestampUnixMS != records[j].TimestampUnixMS {
				return records[i].TimestampUnixMS < records[j].TimestampUnixMS
			}
			if records[i].Direction != records[j].Direction {
				return records[i].Direction < records[j].Direction
			}
			return records[i].Source < records[j].Source
		})
		replayEvents = append(replayEvents, replayEvent{
			EventKey:        event.entry.EventKey,
			Transport:       event.entry.Transport,
			ConversationID:  event.entry.ConversationID,
			RouteSessionKey: event.entry.RouteSessionKey,
			Outcome:         event.entry.Outcome,
			Records:         records,
		})
	}
	sort.Slice(replayEvents, func(i, j int) bool {
		return replayEvents[i].EventKey < replayEvents[j].EventKey
	})

	payload := replayExportFile{
		SchemaVersion:            replayExportSchemaVersion,
		GeneratedUnixMS:          report.GeneratedUnixMS,
		StateDir:                 report.StateDir,
		ChannelStoreRoot:         report.ChannelStoreRoot,
		WindowStartUnixMS:        report.WindowStartUnixMS,
		WindowEndUnixMS:          report.WindowEndUnixMS,
		Outcomes:                 report.Outcomes,
		RouteReasonCodeCounts:    report.RouteReasonCodeCounts,
		RouteBindingCounts:       report.RouteBindingCounts,
		PolicyReasonCodeCounts:   report.PolicyReasonCodeCounts,
		DeliveryReasonCodeCounts: report.DeliveryReasonCodeCounts,
		Diagnostics:              report.Diagnostics,
		Timeline:                 report.Timeline,
		Events:                   replayEvents,
	}
	rendered, err := json.MarshalIndent(&payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render incident replay export: %w", err)
	}
	rendered = append(rendered, '\n')
	if err := store.WriteFileAtomic(path, rendered); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &ReplayExportSummary{
		Path:           path,
		EventCount:     len(replayEvents),
		ChecksumSHA256: fmt.Sprintf("%x", sha256.Sum256(rendered)),
	}, nil
}
