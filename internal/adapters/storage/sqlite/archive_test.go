package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

func openArchive(t *testing.T) *Archive {
	t.Helper()
	archive, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	return archive
}

func TestRecordUsageAndTotals(t *testing.T) {
	archive := openArchive(t)
	ctx := context.Background()

	records := []*ports.UsageArchiveRecord{
		{EventKey: "telegram:evt-1", Transport: "telegram", ResponseChars: 120, ChunkCount: 1, EstimatedTokens: 30, CostMicros: 500, CreatedUnixMS: 1000},
		{EventKey: "telegram:evt-2", Transport: "telegram", ResponseChars: 80, ChunkCount: 2, EstimatedTokens: 20, CostMicros: 250, CreatedUnixMS: 2000},
		{EventKey: "discord:evt-3", Transport: "discord", ResponseChars: 4000, ChunkCount: 2, EstimatedTokens: 900, CostMicros: 9000, CreatedUnixMS: 3000},
	}
	for _, record := range records {
		require.NoError(t, archive.RecordUsage(ctx, record))
	}

	totals, err := archive.TotalsByTransport(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, TransportTotals{Records: 2, ResponseChars: 200, Chunks: 3, CostMicros: 750}, totals["telegram"])
	assert.Equal(t, TransportTotals{Records: 1, ResponseChars: 4000, Chunks: 2, CostMicros: 9000}, totals["discord"])
}

func TestTotalsOnEmptyArchive(t *testing.T) {
	archive := openArchive(t)
	totals, err := archive.TotalsByTransport(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.db")

	archive, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, archive.RecordUsage(context.Background(),
		&ports.UsageArchiveRecord{EventKey: "whatsapp:evt-1", Transport: "whatsapp", ResponseChars: 10, ChunkCount: 1, CreatedUnixMS: 1}))
	require.NoError(t, archive.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	totals, err := reopened.TotalsByTransport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, totals["whatsapp"].Records)
}
