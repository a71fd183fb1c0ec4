// Package store implements the append-only per-conversation channel store.
// Each (transport, channel id) pair owns a directory with log.jsonl and
// context.jsonl; appends are guarded by idempotency predicates over already
// loaded entries so reprocessing an event never duplicates lines.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SchemaVersion is the channel store layout version.
const SchemaVersion = 1

// Meta describes one channel directory; persisted as schema.json.
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	Transport     string `json:"transport"`
	ChannelID     string `json:"channel_id"`
}

// LogEntry is one line of log.jsonl.
type LogEntry struct {
	TimestampUnixMS uint64          `json:"timestamp_unix_ms"`
	Direction       string          `json:"direction"`
	EventKey        string          `json:"event_key,omitempty"`
	Source          string          `json:"source"`
	Payload         json.RawMessage `json:"payload"`
}

// ContextEntry is one line of context.jsonl.
type ContextEntry struct {
	TimestampUnixMS uint64 `json:"timestamp_unix_ms"`
	Role            string `json:"role"`
	Text            string `json:"text"`
}

// ChannelStore binds one (transport, channel id) pair to its directory.
type ChannelStore struct {
	baseDir   string
	transport string
	channelID string
}

// Open validates identifiers, creates the channel layout if needed, and
// verifies schema.json matches this channel.
func Open(baseDir, transport, channelID string) (*ChannelStore, error) {
	transport = strings.TrimSpace(transport)
	channelID = strings.TrimSpace(channelID)
	if transport == "" || channelID == "" {
		return nil, fmt.Errorf("channel store transport and channel id must be non-empty")
	}
	s := &ChannelStore{baseDir: baseDir, transport: transport, channelID: channelID}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// ChannelDir is the directory owned by this channel.
func (s *ChannelStore) ChannelDir() string {
	return filepath.Join(s.baseDir, "channels", SanitizePathSegment(s.transport), SanitizePathSegment(s.channelID))
}

// LogPath is the append-only event log for this channel.
func (s *ChannelStore) LogPath() string { return filepath.Join(s.ChannelDir(), "log.jsonl") }

// ContextPath is the append-only conversation context for this channel.
func (s *ChannelStore) ContextPath() string { return filepath.Join(s.ChannelDir(), "context.jsonl") }

// AppendLogEntry appends one log line.
func (s *ChannelStore) AppendLogEntry(entry *LogEntry) error {
	return appendJSONLine(s.LogPath(), entry)
}

// AppendContextEntry appends one context line.
func (s *ChannelStore) AppendContextEntry(entry *ContextEntry) error {
	return appendJSONLine(s.ContextPath(), entry)
}

// LoadLogEntries reads every valid line of log.jsonl. Blank lines are
// skipped; a malformed line is an error since the engine owns this file.
func (s *ChannelStore) LoadLogEntries() ([]LogEntry, error) {
	var entries []LogEntry
	if err := readJSONLines(s.LogPath(), func(line []byte) error {
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadContextEntries reads every valid line of context.jsonl.
func (s *ChannelStore) LoadContextEntries() ([]ContextEntry, error) {
	var entries []ContextEntry
	if err := readJSONLines(s.ContextPath(), func(line []byte) error {
		var entry ContextEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

// ContainsEventDirection reports whether a log entry exists for the event
// key in the given direction. This is the inbound idempotency predicate.
func ContainsEventDirection(entries []LogEntry, eventKey, direction string) bool {
	for i := range entries {
		if entries[i].EventKey == eventKey && entries[i].Direction == direction {
			return true
		}
	}
	return false
}

// ContainsOutboundStatus reports whether an outbound entry with the payload
// status exists for the event key.
func ContainsOutboundStatus(entries []LogEntry, eventKey, status string) bool {
	for i := range entries {
		if entries[i].EventKey != eventKey || entries[i].Direction != "outbound" {
			continue
		}
		if payloadStringField(entries[i].Payload, "status") == status {
			return true
		}
	}
	return false
}

// ContainsOutboundResponse reports whether an outbound entry already carries
// the response text for the event key.
func ContainsOutboundResponse(entries []LogEntry, eventKey, response string) bool {
	for i := range entries {
		if entries[i].EventKey != eventKey || entries[i].Direction != "outbound" {
			continue
		}
		if payloadStringField(entries[i].Payload, "response") == response {
			return true
		}
	}
	return false
}

// ContainsContextEntry reports whether an exact (role, text) context entry
// already exists.
func ContainsContextEntry(entries []ContextEntry, role, text string) bool {
	for i := range entries {
		if entries[i].Role == role && entries[i].Text == text {
			return true
		}
	}
	return false
}

func payloadStringField(payload json.RawMessage, field string) string {
	if len(payload) == 0 {
		return ""
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return ""
	}
	raw, ok := object[field]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func (s *ChannelStore) ensureLayout() error {
	dir := s.ChannelDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir %s: %w", dir, err)
	}
	for _, path := range []string{s.LogPath(), s.ContextPath()} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return fmt.Errorf("initialize %s: %w", path, err)
			}
		}
	}

	metaPath := filepath.Join(dir, "schema.json")
	raw, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("parse %s: %w", metaPath, err)
		}
		if meta.SchemaVersion != SchemaVersion {
			return fmt.Errorf("unsupported channel store schema: expected %d, found %d", SchemaVersion, meta.SchemaVersion)
		}
		if meta.Transport != s.transport || meta.ChannelID != s.channelID {
			return fmt.Errorf("channel store schema mismatch for %s", dir)
		}
		return nil
	case os.IsNotExist(err):
		payload, err := json.MarshalIndent(&Meta{SchemaVersion: SchemaVersion, Transport: s.transport, ChannelID: s.channelID}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode channel store schema: %w", err)
		}
		return WriteFileAtomic(metaPath, append(payload, '\n'))
	default:
		return fmt.Errorf("read %s: %w", metaPath, err)
	}
}

// SanitizePathSegment maps an identifier onto a filesystem-safe segment.
// Characters outside [A-Za-z0-9-_.] become '_'; a fully underscored result
// collapses to "channel".
func SanitizePathSegment(raw string) string {
	var builder strings.Builder
	for _, ch := range raw {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
			builder.WriteRune(ch)
		default:
			builder.WriteRune('_')
		}
	}
	trimmed := strings.Trim(builder.String(), "_")
	if trimmed == "" {
		return "channel"
	}
	return trimmed
}

// WriteFileAtomic writes content via a temp file and rename so readers never
// observe a partial file.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func appendJSONLine(path string, value any) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode jsonl record: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

func readJSONLines(path string, consume func([]byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := consume([]byte(line)); err != nil {
			return fmt.Errorf("parse line %d in %s: %w", lineNo, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
