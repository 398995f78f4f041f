package detection

import (
	"context"
	"errors"
	"sync"
)

// ErrorCategory buckets task-level failures for aggregation. Errors are
// aggregated by category, not stored per occurrence, to bound memory under
// pathological inputs such as thousands of permission-denied files.
type ErrorCategory string

const (
	// CategoryPathRejected covers files rejected before scheduling: outside
	// the scan root, too large, or not accessible.
	CategoryPathRejected ErrorCategory = "path_rejected"

	// CategoryExtractionFailed covers text extraction failures.
	CategoryExtractionFailed ErrorCategory = "extraction_failed"

	// CategoryEngineTimeout covers engine calls that exceeded their timeout.
	CategoryEngineTimeout ErrorCategory = "engine_timeout"

	// CategoryEngineOverloaded covers engines that kept signaling overload
	// after retries were exhausted.
	CategoryEngineOverloaded ErrorCategory = "engine_overloaded"

	// CategoryEngineInternal covers non-transient engine failures.
	CategoryEngineInternal ErrorCategory = "engine_internal"

	// CategorySinkWriteFailed covers output sink failures. Fatal: the
	// session cancels rather than silently losing findings.
	CategorySinkWriteFailed ErrorCategory = "sink_write_failed"

	// CategoryConfigInvalid covers configuration validation failures.
	// Fatal at session start, before any scanning begins.
	CategoryConfigInvalid ErrorCategory = "config_invalid"
)

// Sentinel errors used across layers so callers can classify failures with
// errors.Is without depending on engine internals.
var (
	// ErrOverloaded signals transient engine overload (HTTP 429/5xx,
	// connection refused, model busy). Retryable engines retry on it.
	ErrOverloaded = errors.New("engine overloaded")

	// ErrEngineTimeout signals an engine call that hit its deadline.
	ErrEngineTimeout = errors.New("engine call timed out")

	// ErrSinkWrite signals a failed write to the output collaborator.
	ErrSinkWrite = errors.New("sink write failed")

	// ErrConfigInvalid signals invalid session configuration.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Fatal reports whether an error category must stop the whole session.
func (c ErrorCategory) Fatal() bool {
	return c == CategorySinkWriteFailed || c == CategoryConfigInvalid
}

// CategorizeEngineError maps an engine call failure to its error category.
func CategorizeEngineError(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrEngineTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryEngineTimeout
	case errors.Is(err, ErrOverloaded):
		return CategoryEngineOverloaded
	default:
		return CategoryEngineInternal
	}
}

// ErrorRecord aggregates failures of one category: a representative message,
// a total count, and a bounded sample of affected paths.
type ErrorRecord struct {
	Category ErrorCategory
	Message  string
	Count    int64
	// Paths is a capped sample of affected file paths. SampledOut counts
	// occurrences beyond the cap.
	Paths      []string
	SampledOut int64
}

// ErrorCollector accumulates task-level failures by category. It is safe for
// concurrent use by all workers.
type ErrorCollector struct {
	mu       sync.Mutex
	maxPaths int
	records  map[ErrorCategory]*ErrorRecord
}

// DefaultErrorPathSample is the default per-category cap on sampled paths.
const DefaultErrorPathSample = 10

// NewErrorCollector creates a collector keeping at most maxPaths sample paths
// per category. A non-positive maxPaths falls back to DefaultErrorPathSample.
func NewErrorCollector(maxPaths int) *ErrorCollector {
	if maxPaths <= 0 {
		maxPaths = DefaultErrorPathSample
	}
	return &ErrorCollector{
		maxPaths: maxPaths,
		records:  make(map[ErrorCategory]*ErrorRecord),
	}
}

// Record adds one failure occurrence for the given category and path. The
// first message seen for a category is kept as its representative message.
func (c *ErrorCollector) Record(category ErrorCategory, path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[category]
	if !ok {
		rec = &ErrorRecord{Category: category}
		if err != nil {
			rec.Message = err.Error()
		}
		c.records[category] = rec
	}

	rec.Count++
	if len(rec.Paths) < c.maxPaths {
		rec.Paths = append(rec.Paths, path)
	} else {
		rec.SampledOut++
	}
}

// Summary returns a copy of all accumulated records keyed by category.
func (c *ErrorCollector) Summary() map[ErrorCategory]ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[ErrorCategory]ErrorRecord, len(c.records))
	for cat, rec := range c.records {
		cp := *rec
		cp.Paths = append([]string(nil), rec.Paths...)
		out[cat] = cp
	}
	return out
}

// Count returns the number of occurrences recorded for a category.
func (c *ErrorCollector) Count(category ErrorCategory) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[category]; ok {
		return rec.Count
	}
	return 0
}

// Total returns the number of occurrences recorded across all categories.
func (c *ErrorCollector) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, rec := range c.records {
		n += rec.Count
	}
	return n
}
