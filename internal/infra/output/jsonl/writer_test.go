package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

func finding(path, match string, chunk int) detection.Finding {
	return detection.NewFinding(
		detection.Detection{Match: match, Label: "api_key", Engine: "regex"},
		detection.FileContext{Path: path, ChunkIndex: chunk, ChunkTotal: 3},
	)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []record {
	t.Helper()
	var out []record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWriterEmitsOneLinePerFinding(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := New(&buf)

	require.NoError(t, w.WriteFinding(context.Background(), finding("/a.txt", "AKIA1", 0)))
	require.NoError(t, w.WriteFinding(context.Background(), finding("/a.txt", "AKIA2", 2)))
	require.NoError(t, w.Close())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "finding", lines[0].Kind)
	assert.Equal(t, "/a.txt", lines[0].Finding.FilePath)
	assert.Equal(t, 2, lines[1].Finding.ChunkIndex)
	assert.Equal(t, "regex", lines[1].Finding.Engine)
}

func TestWriterWriteAll(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := New(&buf)

	batch := []detection.Finding{
		finding("/a.txt", "tok1", 0),
		finding("/b.txt", "tok2", 0),
		finding("/c.txt", "tok3", 1),
	}
	require.NoError(t, w.WriteAll(context.Background(), batch))

	lines := decodeLines(t, &buf)
	assert.Len(t, lines, 3)
}

func TestWriterErrorSummaryRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := New(&buf)

	errs := map[detection.ErrorCategory]detection.ErrorRecord{
		detection.CategoryEngineTimeout: {
			Category:   detection.CategoryEngineTimeout,
			Message:    "engine call timed out",
			Count:      4,
			Paths:      []string{"/slow.txt"},
			SampledOut: 3,
		},
	}
	require.NoError(t, w.WriteErrorSummary(context.Background(), errs))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error_summary", lines[0].Kind)
	require.Len(t, lines[0].Errors, 1)
	assert.Equal(t, "engine_timeout", lines[0].Errors[0].Category)
	assert.Equal(t, int64(4), lines[0].Errors[0].Count)
}

func TestNewFileWritesToDisk(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/findings.jsonl"
	w, err := NewFile(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteFinding(context.Background(), finding("/a.txt", "tok", 0)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"file_path":"/a.txt"`)
}
