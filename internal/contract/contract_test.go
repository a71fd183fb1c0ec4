package contract

import (
	"encoding/json"
	"testing"
)

func sampleEvent(transport Transport, eventID string) InboundEvent {
	return InboundEvent{
		SchemaVersion:  SchemaVersion,
		Transport:      transport,
		EventKind:      EventKindMessage,
		EventID:        eventID,
		ConversationID: "conv-1",
		ActorID:        "actor-1",
		TimestampMS:    1000,
		Text:           "hello",
	}
}

func TestParseFixtureRejectsUnsupportedSchema(t *testing.T) {
	raw := `{
  "schema_version": 99,
  "name": "unsupported",
  "events": [
    {
      "schema_version": 1,
      "transport": "telegram",
      "event_kind": "message",
      "event_id": "evt-1",
      "conversation_id": "chat-1",
      "actor_id": "user-1",
      "timestamp_ms": 1,
      "text": "hello"
    }
  ]
}`
	if _, err := ParseFixture([]byte(raw)); err == nil {
		t.Fatalf("expected schema version error")
	}
}

func TestValidateEventRejectsBlankIdentifiers(t *testing.T) {
	event := sampleEvent(TransportDiscord, "evt-1")
	event.ActorID = "  "
	if err := ValidateEvent(&event); err == nil {
		t.Fatalf("expected empty actor_id error")
	}

	event = sampleEvent(TransportDiscord, " ")
	if err := ValidateEvent(&event); err == nil {
		t.Fatalf("expected empty event_id error")
	}
}

func TestValidateEventRequiresTextOrAttachment(t *testing.T) {
	event := sampleEvent(TransportTelegram, "evt-2")
	event.Text = "   "
	if err := ValidateEvent(&event); err == nil {
		t.Fatalf("expected text/attachment error")
	}

	event.Attachments = []Attachment{{AttachmentID: "a1", URL: "https://cdn.example/a1.png", ContentType: "image/png"}}
	if err := ValidateEvent(&event); err != nil {
		t.Fatalf("attachment-only event should validate: %v", err)
	}
}

func TestValidateEventRejectsBadAttachmentURL(t *testing.T) {
	event := sampleEvent(TransportTelegram, "evt-3")
	event.Attachments = []Attachment{{AttachmentID: "a1", URL: "ftp://cdn.example/a1"}}
	if err := ValidateEvent(&event); err == nil {
		t.Fatalf("expected attachment url error")
	}
}

func TestFixtureRejectsDuplicateEventKeys(t *testing.T) {
	fixture := Fixture{
		SchemaVersion: SchemaVersion,
		Name:          "dup",
		Events: []InboundEvent{
			sampleEvent(TransportTelegram, "evt-1"),
			sampleEvent(TransportTelegram, " evt-1 "),
		},
	}
	if err := ValidateFixture(&fixture); err == nil {
		t.Fatalf("expected duplicate event key error")
	}
}

func TestEventKeyTrimsEventID(t *testing.T) {
	event := sampleEvent(TransportWhatsapp, "  evt-9 ")
	if got := event.EventKey(); got != "whatsapp:evt-9" {
		t.Fatalf("unexpected event key %q", got)
	}
}

func TestFixtureRoundtripPreservesEventKeys(t *testing.T) {
	fixture := Fixture{
		SchemaVersion: SchemaVersion,
		Name:          "roundtrip",
		Events: []InboundEvent{
			sampleEvent(TransportTelegram, "evt-1"),
			sampleEvent(TransportDiscord, "evt-2"),
			sampleEvent(TransportWhatsapp, "evt-3"),
		},
	}
	raw, err := json.Marshal(&fixture)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	parsed, err := ParseFixture(raw)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	for i := range fixture.Events {
		if fixture.Events[i].EventKey() != parsed.Events[i].EventKey() {
			t.Fatalf("event key drift at index %d", i)
		}
	}
}

func TestMetadataAccessors(t *testing.T) {
	event := sampleEvent(TransportDiscord, "evt-4")
	event.Metadata = map[string]any{
		"account_id":  " acct-1 ",
		"is_dm":       true,
		"retry_count": float64(3),
	}
	if got := event.MetadataString("account_id"); got != "acct-1" {
		t.Fatalf("unexpected metadata string %q", got)
	}
	if !event.MetadataBool("is_dm") {
		t.Fatalf("expected is_dm true")
	}
	if n, ok := event.MetadataNumber("retry_count"); !ok || n != 3 {
		t.Fatalf("unexpected metadata number %v %v", n, ok)
	}
}
