// Package scanning implements the scan orchestration core: the session
// lifecycle, the bounded-queue scheduler and worker pool, the per-task
// processing pipeline, and the match sink. External collaborators (text
// extraction, detection engines, output writers) are consumed through the
// interfaces defined here and implemented under internal/infra.
package scanning

import (
	"context"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// Chunk is a bounded-size slice of a file's extracted text, processed as an
// independent unit of detection work.
type Chunk struct {
	// Index is the zero-based position of the chunk within the file.
	Index int

	// Text is the extracted text of this chunk.
	Text string
}

// ChunkStream is an ordered, finite, non-restartable sequence of extracted
// text chunks. Next returns io.EOF after the final chunk.
type ChunkStream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error

	// Total returns the number of chunks when known up front, or 0 when the
	// underlying extraction cannot know it before streaming finishes.
	Total() int
}

// Extractor is the text-extraction collaborator boundary. The core treats a
// file as a sequence of text chunks and does not care how extraction is
// implemented per format.
type Extractor interface {
	// Eligible reports whether the file has a registered extraction path.
	// Only eligible files become scan tasks.
	Eligible(path string) bool

	// Extract opens the file and returns its chunk stream.
	Extract(ctx context.Context, path string) (ChunkStream, error)
}

// ThrottledEngine is a detection engine wrapped with its concurrency and
// retry policy. Workers call Detect directly; acquiring and releasing the
// engine's throttle slot happens inside.
type ThrottledEngine interface {
	Descriptor() detection.EngineDescriptor
	Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error)
}

// EngineSet exposes the enabled engines for a session.
type EngineSet interface {
	Enabled() []ThrottledEngine
}

// FindingWriter is the output collaborator boundary. Implementations must
// tolerate concurrent WriteFinding calls in incremental mode; WriteAll and
// WriteErrorSummary are called once, at finalize.
type FindingWriter interface {
	// WriteFinding forwards one accepted finding (incremental mode).
	WriteFinding(ctx context.Context, f detection.Finding) error

	// WriteAll forwards all buffered findings at once (batched mode).
	WriteAll(ctx context.Context, findings []detection.Finding) error

	// WriteErrorSummary forwards the aggregated error records.
	WriteErrorSummary(ctx context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error

	// Close releases any underlying resources (file handles, connections).
	Close() error
}
