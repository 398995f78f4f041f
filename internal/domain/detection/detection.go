// Package detection defines the core domain model for sensitive-text scanning:
// detection requests and results, the engine contract, the error taxonomy, and
// session statistics. It contains no I/O and no orchestration logic so it can
// be depended on by every other layer.
package detection

import "time"

// DetectionRequest carries one unit of text to a detection engine along with
// the labels the caller is interested in and the per-call timeout. Requests
// are passed by value; engines must not mutate them.
type DetectionRequest struct {
	// Text is the extracted text to scan.
	Text string

	// Labels is the ordered set of target labels the engine should look for
	// (e.g. "email", "credit_card", "api_key"). Engines that detect a fixed
	// set of patterns may ignore labels they do not understand.
	Labels []string

	// Timeout bounds the individual engine call. A zero value means the
	// engine inherits whatever deadline the context carries.
	Timeout time.Duration
}

// Detection is a single raw hit produced by an engine. Detections are
// immutable once produced.
type Detection struct {
	// Match is the matched text.
	Match string

	// Label identifies the kind of sensitive data detected.
	Label string

	// Confidence is the engine's confidence in the detection. Deterministic
	// engines such as pattern matchers have no meaningful confidence and
	// leave it nil rather than fabricating a value.
	Confidence *float64

	// Engine identifies the engine that produced the detection.
	Engine string

	// Metadata carries engine-specific context, e.g. a "validated" key for
	// engines that run checksum validation ("true", "false", or absent when
	// not applicable). The sink passes it through unchanged.
	Metadata map[string]string
}

// FileContext locates a detection within the scanned tree. Chunked files
// carry the chunk index so findings for a single file can be reassembled in
// any processing order.
type FileContext struct {
	// Path is the canonical path of the scanned file.
	Path string

	// ChunkIndex is the zero-based index of the chunk the detection came
	// from. It is 0 for files processed as a single unit.
	ChunkIndex int

	// ChunkTotal is the total number of chunks for the file, or 1 for
	// single-unit files.
	ChunkTotal int
}

// Finding is a Detection that survived whitelist filtering, enriched with the
// file it came from. A Finding maps to exactly one file and one originating
// engine call; findings are never merged across files.
type Finding struct {
	Detection

	// FilePath is the canonical path of the file the detection came from.
	FilePath string

	// ChunkIndex is the zero-based chunk the detection came from.
	ChunkIndex int
}

// NewFinding builds a Finding from an accepted detection and its file context.
func NewFinding(d Detection, fc FileContext) Finding {
	return Finding{
		Detection:  d,
		FilePath:   fc.Path,
		ChunkIndex: fc.ChunkIndex,
	}
}
