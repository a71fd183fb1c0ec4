// Package contract defines the inbound event model shared by every part of
// the engine: transports, event kinds, attachments, and the fixture format
// used to drive contract runs. Validation lives here so ingress and routing
// code only ever consume well-formed events.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// SchemaVersion is the contract schema version accepted by this engine.
const SchemaVersion = 1

// Transport identifies one of the supported chat providers.
type Transport string

const (
	TransportTelegram Transport = "telegram"
	TransportDiscord  Transport = "discord"
	TransportWhatsapp Transport = "whatsapp"
)

// Transports lists every supported transport in stable order.
func Transports() []Transport {
	return []Transport{TransportTelegram, TransportDiscord, TransportWhatsapp}
}

// ParseTransport maps a wire string onto a Transport.
func ParseTransport(raw string) (Transport, error) {
	switch Transport(strings.ToLower(strings.TrimSpace(raw))) {
	case TransportTelegram:
		return TransportTelegram, nil
	case TransportDiscord:
		return TransportDiscord, nil
	case TransportWhatsapp:
		return TransportWhatsapp, nil
	}
	return "", fmt.Errorf("unsupported transport %q", raw)
}

// EventKind classifies an inbound event.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindEdit    EventKind = "edit"
	EventKindCommand EventKind = "command"
	EventKindSystem  EventKind = "system"
)

// Attachment is a single media reference carried by an inbound event.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url"`
	ContentType  string `json:"content_type,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	SizeBytes    uint64 `json:"size_bytes,omitempty"`
}

// InboundEvent is one normalized chat event. Identity is EventKey(); the
// struct is treated as immutable once constructed.
type InboundEvent struct {
	SchemaVersion  int            `json:"schema_version"`
	Transport      Transport      `json:"transport"`
	EventKind      EventKind      `json:"event_kind"`
	EventID        string         `json:"event_id"`
	ConversationID string         `json:"conversation_id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	ActorDisplay   string         `json:"actor_display,omitempty"`
	TimestampMS    uint64         `json:"timestamp_ms"`
	Text           string         `json:"text,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EventKey is the stable dedup identity for one inbound event.
func (e *InboundEvent) EventKey() string {
	return string(e.Transport) + ":" + strings.TrimSpace(e.EventID)
}

// PolicyChannel is the channel-policy lookup key for this event.
func (e *InboundEvent) PolicyChannel() string {
	return string(e.Transport) + ":" + strings.TrimSpace(e.ConversationID)
}

// MetadataString returns a trimmed metadata string value, if present.
func (e *InboundEvent) MetadataString(key string) string {
	raw, ok := e.Metadata[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// MetadataBool reports whether the metadata key holds boolean true.
func (e *InboundEvent) MetadataBool(key string) bool {
	value, ok := e.Metadata[key].(bool)
	return ok && value
}

// MetadataNumber returns a metadata value as float64 when it is numeric.
func (e *InboundEvent) MetadataNumber(key string) (float64, bool) {
	switch value := e.Metadata[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// Fixture is a named batch of inbound events used by contract runs.
type Fixture struct {
	SchemaVersion int            `json:"schema_version"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Events        []InboundEvent `json:"events"`
}

// ParseFixture decodes and validates a contract fixture.
func ParseFixture(raw []byte) (*Fixture, error) {
	var fixture Fixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return nil, fmt.Errorf("parse contract fixture: %w", err)
	}
	if err := ValidateFixture(&fixture); err != nil {
		return nil, err
	}
	return &fixture, nil
}

// LoadFixture reads and parses a contract fixture from disk.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract fixture %s: %w", path, err)
	}
	return ParseFixture(raw)
}

// ValidateFixture enforces the fixture header and per-event contract.
func ValidateFixture(fixture *Fixture) error {
	if fixture.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported contract schema version %d (expected %d)", fixture.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(fixture.Name) == "" {
		return fmt.Errorf("contract fixture must have a non-empty name")
	}
	if len(fixture.Events) == 0 {
		return fmt.Errorf("contract fixture must include at least one event")
	}
	seen := make(map[string]struct{}, len(fixture.Events))
	for index := range fixture.Events {
		event := &fixture.Events[index]
		if err := validateEvent(event, fmt.Sprintf("fixture event index %d", index)); err != nil {
			return err
		}
		key := event.EventKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("fixture contains duplicate transport event key %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateEvent checks a single live-ingress event against the contract.
func ValidateEvent(event *InboundEvent) error {
	return validateEvent(event, "live ingress event")
}

func validateEvent(event *InboundEvent, label string) error {
	if event.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%s has unsupported schema_version %d (expected %d)", label, event.SchemaVersion, SchemaVersion)
	}
	if _, err := ParseTransport(string(event.Transport)); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	switch event.EventKind {
	case EventKindMessage, EventKindEdit, EventKindCommand, EventKindSystem:
	default:
		return fmt.Errorf("%s has unsupported event_kind %q", label, event.EventKind)
	}
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%s has empty event_id", label)
	}
	if strings.TrimSpace(event.ConversationID) == "" {
		return fmt.Errorf("%s has empty conversation_id", label)
	}
	if strings.TrimSpace(event.ActorID) == "" {
		return fmt.Errorf("%s has empty actor_id", label)
	}
	if event.TimestampMS == 0 {
		return fmt.Errorf("%s has zero timestamp_ms", label)
	}
	if strings.TrimSpace(event.Text) == "" && len(event.Attachments) == 0 {
		return fmt.Errorf("%s must include non-empty text or at least one attachment", label)
	}
	for key := range event.Metadata {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%s includes empty metadata key", label)
		}
	}
	attachmentIDs := make(map[string]struct{}, len(event.Attachments))
	for _, attachment := range event.Attachments {
		if err := validateAttachment(&attachment, label); err != nil {
			return err
		}
		id := strings.TrimSpace(attachment.AttachmentID)
		if _, dup := attachmentIDs[id]; dup {
			return fmt.Errorf("%s includes duplicate attachment_id %q", label, id)
		}
		attachmentIDs[id] = struct{}{}
	}
	return nil
}

func validateAttachment(attachment *Attachment, label string) error {
	if strings.TrimSpace(attachment.AttachmentID) == "" {
		return fmt.Errorf("%s has attachment with empty attachment_id", label)
	}
	url := strings.TrimSpace(attachment.URL)
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") {
		return fmt.Errorf("%s has invalid attachment url %q", label, attachment.URL)
	}
	if ct := strings.TrimSpace(attachment.ContentType); ct != "" && !strings.Contains(ct, "/") {
		return fmt.Errorf("%s has invalid content_type %q", label, attachment.ContentType)
	}
	return nil
}
