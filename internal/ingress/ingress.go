// Package ingress loads live inbound events from per-transport NDJSON drops.
// Bridge processes append one event JSON per line; this loader is tolerant of
// partial writes and never fails the cycle over a bad row.
package ingress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
)

// Source files read under the ingress directory, one per transport.
var sourceFiles = map[contract.Transport]string{
	contract.TransportTelegram: "telegram.ndjson",
	contract.TransportDiscord:  "discord.ndjson",
	contract.TransportWhatsapp: "whatsapp.ndjson",
}

const maxLineBytes = 4 << 20

// Loader reads live ingress events from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader returns a loader over dir. A nil logger falls back to
// slog.Default().
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Load reads every transport source file and merges the valid events in file
// order (telegram, discord, whatsapp). Missing files contribute nothing;
// malformed or invalid rows are logged and skipped.
func (l *Loader) Load() ([]contract.InboundEvent, error) {
	var events []contract.InboundEvent
	for _, transport := range contract.Transports() {
		fromFile, err := l.loadTransport(transport)
		if err != nil {
			return nil, err
		}
		events = append(events, fromFile...)
	}
	return events, nil
}

func (l *Loader) loadTransport(transport contract.Transport) ([]contract.InboundEvent, error) {
	path := filepath.Join(l.dir, sourceFiles[transport])
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ingress source %s: %w", path, err)
	}
	defer file.Close()

	var events []contract.InboundEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event contract.InboundEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			l.logger.Warn("skipping unparseable ingress row",
				slog.String("source", path), slog.Int("line", lineNumber), slog.String("error", err.Error()))
			continue
		}
		if event.Transport != transport {
			l.logger.Warn("skipping ingress row with mismatched transport",
				slog.String("source", path), slog.Int("line", lineNumber),
				slog.String("row_transport", string(event.Transport)))
			continue
		}
		if err := contract.ValidateEvent(&event); err != nil {
			l.logger.Warn("skipping invalid ingress row",
				slog.String("source", path), slog.Int("line", lineNumber), slog.String("error", err.Error()))
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ingress source %s: %w", path, err)
	}
	return events, nil
}
