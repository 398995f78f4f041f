package csvout

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

func TestWriterProducesHeaderAndRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "findings.csv")
	w, err := New(path)
	require.NoError(t, err)

	conf := 0.91
	f := detection.NewFinding(
		detection.Detection{
			Match:      "sk-live-123",
			Label:      "api_key",
			Engine:     "llm",
			Confidence: &conf,
			Metadata:   map[string]string{"model": "detector-v2"},
		},
		detection.FileContext{Path: "/repo/cfg.txt", ChunkIndex: 1, ChunkTotal: 2},
	)
	require.NoError(t, w.WriteFinding(context.Background(), f))
	require.NoError(t, w.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, "/repo/cfg.txt", rows[1][0])
	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "api_key", rows[1][2])
	assert.Equal(t, "sk-live-123", rows[1][3])
	assert.Equal(t, "llm", rows[1][4])
	assert.Equal(t, "0.91", rows[1][5])
	assert.Contains(t, rows[1][6], "detector-v2")
}

func TestWriterErrorSummarySidecar(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "findings.csv")
	w, err := New(path)
	require.NoError(t, err)

	errs := map[detection.ErrorCategory]detection.ErrorRecord{
		detection.CategoryExtractionFailed: {
			Category: detection.CategoryExtractionFailed,
			Message:  "read failed",
			Count:    2,
		},
	}
	require.NoError(t, w.WriteErrorSummary(context.Background(), errs))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path + ".errors.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "extraction_failed")
}

func TestWriterSkipsEmptySummary(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "findings.csv")
	w, err := New(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteErrorSummary(context.Background(), nil))
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".errors.json")
	assert.True(t, os.IsNotExist(err))
}
