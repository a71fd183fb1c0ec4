// Package sqlite keeps a durable ledger of usage telemetry outside
// state.json. state.json only carries saturating counters; the archive
// retains one row per delivered response for offline cost queries.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_key TEXT NOT NULL,
	transport TEXT NOT NULL,
	response_chars INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	cost_micros INTEGER NOT NULL,
	created_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_transport ON usage_records (transport);
CREATE INDEX IF NOT EXISTS idx_usage_records_event_key ON usage_records (event_key);
`

// Archive implements ports.UsageArchive on a local SQLite database.
type Archive struct {
	db *sql.DB
}

var _ ports.UsageArchive = (*Archive)(nil)

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage archive %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure usage archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// RecordUsage inserts one usage row.
func (a *Archive) RecordUsage(ctx context.Context, record *ports.UsageArchiveRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(event_key, transport, response_chars, chunk_count, estimated_tokens, cost_micros, created_unix_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.EventKey, record.Transport, record.ResponseChars, record.ChunkCount,
		record.EstimatedTokens, record.CostMicros, record.CreatedUnixMS)
	if err != nil {
		return fmt.Errorf("insert usage record for %s: %w", record.EventKey, err)
	}
	return nil
}

// TransportTotals summarizes archived usage for one transport.
type TransportTotals struct {
	Records       int
	ResponseChars int
	Chunks        int
	CostMicros    uint64
}

// TotalsByTransport aggregates the archive per transport.
func (a *Archive) TotalsByTransport(ctx context.Context) (map[string]TransportTotals, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT transport, COUNT(*), COALESCE(SUM(response_chars), 0),
			COALESCE(SUM(chunk_count), 0), COALESCE(SUM(cost_micros), 0)
		 FROM usage_records GROUP BY transport`)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	totals := map[string]TransportTotals{}
	for rows.Next() {
		var transport string
		var t TransportTotals
		if err := rows.Scan(&transport, &t.Records, &t.ResponseChars, &t.Chunks, &t.CostMicros); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		totals[transport] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage totals: %w", err)
	}
	return totals, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
