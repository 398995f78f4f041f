// Package csvout writes findings as CSV for spreadsheet-style triage. The
// error summary goes to a sibling file since CSV has no way to mix record
// shapes in one stream.
package csvout

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

var header = []string{"file_path", "chunk_index", "label", "match", "engine", "confidence", "metadata"}

// Writer streams findings to a CSV file. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	cw     *csv.Writer
	errors string
}

// New creates or truncates path and writes the header row. The error summary
// is written to path + ".errors.json" at finalize.
func New(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return &Writer{f: f, cw: cw, errors: path + ".errors.json"}, nil
}

func (w *Writer) WriteFinding(_ context.Context, f detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(f)
}

func (w *Writer) WriteAll(_ context.Context, findings []detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range findings {
		if err := w.writeLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeLocked(f detection.Finding) error {
	confidence := ""
	if f.Confidence != nil {
		confidence = strconv.FormatFloat(*f.Confidence, 'f', -1, 64)
	}
	metadata := ""
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}
	if err := w.cw.Write([]string{
		f.FilePath,
		strconv.Itoa(f.ChunkIndex),
		f.Label,
		f.Match,
		f.Engine,
		confidence,
		metadata,
	}); err != nil {
		return err
	}
	w.cw.Flush()
	return w.cw.Error()
}

func (w *Writer) WriteErrorSummary(_ context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error {
	if len(errs) == 0 {
		return nil
	}
	b, err := json.MarshalIndent(errs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding error summary: %w", err)
	}
	return os.WriteFile(w.errors, b, 0o644)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
