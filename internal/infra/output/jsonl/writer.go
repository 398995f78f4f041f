// Package jsonl writes findings as JSON Lines: one finding per line, with a
// trailing error-summary record. The format is append-only and safe to tail,
// which makes it the default for incremental output.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// record is the wire form of one output line. Kind distinguishes findings
// from the terminal summary so consumers can demultiplex a single stream.
type record struct {
	Kind string `json:"kind"`

	Finding *findingRecord `json:"finding,omitempty"`
	Errors  []errorRecord  `json:"errors,omitempty"`
}

type findingRecord struct {
	FilePath   string            `json:"file_path"`
	ChunkIndex int               `json:"chunk_index"`
	Label      string            `json:"label"`
	Match      string            `json:"match"`
	Engine     string            `json:"engine"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type errorRecord struct {
	Category     string   `json:"category"`
	Message      string   `json:"message"`
	Count        int64    `json:"count"`
	SampledPaths []string `json:"sampled_paths,omitempty"`
	SampledOut   int64    `json:"sampled_out,omitempty"`
}

// Writer streams findings to an io.Writer as JSONL. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder

	closer io.Closer
}

// New wraps an existing writer. The caller keeps ownership of w.
func New(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w)}
}

// NewFile creates or truncates path and writes findings to it. Close flushes
// and closes the file.
func NewFile(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	jw := New(f)
	jw.closer = f
	return jw, nil
}

func (w *Writer) WriteFinding(_ context.Context, f detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(record{Kind: "finding", Finding: toRecord(f)})
}

func (w *Writer) WriteAll(_ context.Context, findings []detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range findings {
		if err := w.enc.Encode(record{Kind: "finding", Finding: toRecord(f)}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) WriteErrorSummary(_ context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error {
	out := make([]errorRecord, 0, len(errs))
	for cat, rec := range errs {
		out = append(out, errorRecord{
			Category:     string(cat),
			Message:      rec.Message,
			Count:        rec.Count,
			SampledPaths: rec.Paths,
			SampledOut:   rec.SampledOut,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(record{Kind: "error_summary", Errors: out})
}

func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func toRecord(f detection.Finding) *findingRecord {
	return &findingRecord{
		FilePath:   f.FilePath,
		ChunkIndex: f.ChunkIndex,
		Label:      f.Label,
		Match:      f.Match,
		Engine:     f.Engine,
		Confidence: f.Confidence,
		Metadata:   f.Metadata,
	}
}
