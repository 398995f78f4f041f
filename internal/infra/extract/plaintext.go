// Package extract provides the plain-text implementation of the extraction
// boundary: MIME-based eligibility detection and fixed-size chunked reading.
// Per-format extractors (PDF, DOCX, ...) plug in behind the same interface.
package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ahrav/sensiscan/internal/app/scanning"
)

var _ scanning.Extractor = (*PlainText)(nil)

// A small extension fast path that skips content sniffing for extensions
// that are always treated as text.
var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".csv": {}, ".tsv": {}, ".log": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".xml": {}, ".toml": {},
	".ini": {}, ".env": {}, ".conf": {}, ".cfg": {}, ".properties": {},
	".sql": {}, ".sh": {}, ".py": {}, ".go": {}, ".js": {}, ".ts": {},
	".java": {}, ".rb": {}, ".php": {}, ".c": {}, ".h": {}, ".cpp": {},
}

// PlainText extracts text from plain-text files, splitting large files into
// fixed-size chunks so no single task holds an unbounded amount of text in
// memory. It is safe for concurrent use.
type PlainText struct {
	chunkSize int
}

// NewPlainText creates a plain-text extractor that splits extracted text into
// chunks of at most chunkSize bytes.
func NewPlainText(chunkSize int) *PlainText {
	return &PlainText{chunkSize: chunkSize}
}

// Eligible reports whether the file looks like text. Known text extensions
// are accepted without opening the file; everything else is content-sniffed
// with the mimetype detector.
func (e *PlainText) Eligible(path string) bool {
	ext := strings.ToLower(ext(path))
	if _, ok := textExtensions[ext]; ok {
		return true
	}

	m, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

func ext(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}

// Extract opens the file and returns its chunk stream. The stream owns the
// file handle; callers must Close it.
func (e *PlainText) Extract(ctx context.Context, path string) (scanning.ChunkStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	total := 1
	if size := info.Size(); size > int64(e.chunkSize) {
		total = int((size + int64(e.chunkSize) - 1) / int64(e.chunkSize))
	}

	return &fileStream{f: f, chunkSize: e.chunkSize, total: total}, nil
}

// fileStream reads a file as a sequence of fixed-size chunks. It is
// non-restartable: once Next returns io.EOF the stream is exhausted.
type fileStream struct {
	f         *os.File
	chunkSize int
	total     int
	index     int
	done      bool
}

func (s *fileStream) Next(ctx context.Context) (scanning.Chunk, error) {
	if s.done {
		return scanning.Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return scanning.Chunk{}, err
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.f, buf)
	switch {
	case err == io.EOF:
		s.done = true
		return scanning.Chunk{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		s.done = true
	case err != nil:
		return scanning.Chunk{}, fmt.Errorf("reading chunk %d: %w", s.index, err)
	}

	chunk := scanning.Chunk{Index: s.index, Text: string(buf[:n])}
	s.index++
	return chunk, nil
}

func (s *fileStream) Close() error { return s.f.Close() }

func (s *fileStream) Total() int { return s.total }
