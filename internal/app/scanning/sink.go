package scanning

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ahrav/sensiscan/internal/config"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

// SinkStats are the aggregate counts a sink reports at finalize, consistent
// with what was actually forwarded to the output collaborator.
type SinkStats struct {
	Submitted int64
	Accepted  int64
	ByEngine  map[string]int64
}

// MatchSink collects raw detections from all workers, applies whitelist
// filtering, and forwards accepted findings to the output collaborator.
// It is safe for concurrent Submit calls.
//
// In incremental mode each accepted finding is forwarded immediately. In
// batched mode findings are buffered and forwarded once at Finalize; if the
// buffer reaches its configured cap the sink degrades to incremental
// forwarding (flushing what it has buffered) rather than growing without
// bound.
type MatchSink struct {
	writer    FindingWriter
	whitelist []string
	mode      config.OutputMode
	maxBuffer int
	stats     *detection.ScanStatistics
	logger    *logger.Logger

	mu        sync.Mutex
	buffered  []detection.Finding
	degraded  bool
	finalized bool
	submitted int64
	accepted  int64
	byEngine  map[string]int64
}

// NewMatchSink creates a sink forwarding to writer. stats may be nil.
func NewMatchSink(
	writer FindingWriter,
	whitelist []string,
	mode config.OutputMode,
	maxBuffer int,
	stats *detection.ScanStatistics,
	log *logger.Logger,
) *MatchSink {
	return &MatchSink{
		writer:    writer,
		whitelist: whitelist,
		mode:      mode,
		maxBuffer: maxBuffer,
		stats:     stats,
		logger:    log.With("component", "match_sink"),
		byEngine:  make(map[string]int64),
	}
}

// Submit filters one detection and forwards it if accepted. A forwarding
// failure is wrapped with the sink-write sentinel so the caller can treat it
// as fatal; everything else never fails.
func (s *MatchSink) Submit(ctx context.Context, d detection.Detection, fc detection.FileContext) error {
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()

	if s.whitelisted(d.Match) {
		return nil
	}

	f := detection.NewFinding(d, fc)

	s.mu.Lock()
	s.accepted++
	s.byEngine[d.Engine]++
	if s.stats != nil {
		s.stats.AddFindings(1)
	}

	if s.mode == config.OutputModeBatched && !s.degraded {
		s.buffered = append(s.buffered, f)
		if len(s.buffered) < s.maxBuffer {
			s.mu.Unlock()
			return nil
		}

		// Cap reached: flush the buffer and fall back to incremental
		// forwarding for the rest of the scan.
		flush := s.buffered
		s.buffered = nil
		s.degraded = true
		s.mu.Unlock()

		s.logger.Warn(ctx, "batched finding buffer reached cap, degrading to incremental output",
			"cap", s.maxBuffer)
		for _, bf := range flush {
			if err := s.writer.WriteFinding(ctx, bf); err != nil {
				return fmt.Errorf("%w: %v", detection.ErrSinkWrite, err)
			}
		}
		return nil
	}
	s.mu.Unlock()

	if err := s.writer.WriteFinding(ctx, f); err != nil {
		return fmt.Errorf("%w: %v", detection.ErrSinkWrite, err)
	}
	return nil
}

// whitelisted reports whether the matched text contains any configured
// whitelist substring. Case-sensitive containment, intentionally simple and
// not regex-based.
func (s *MatchSink) whitelisted(match string) bool {
	for _, w := range s.whitelist {
		if w != "" && strings.Contains(match, w) {
			return true
		}
	}
	return false
}

// Finalize flushes any buffered findings and returns the aggregate counts.
// It is idempotent; second and later calls only return the stats.
func (s *MatchSink) Finalize(ctx context.Context) (SinkStats, error) {
	s.mu.Lock()
	flush := s.buffered
	s.buffered = nil
	alreadyDone := s.finalized
	s.finalized = true
	stats := s.snapshotLocked()
	s.mu.Unlock()

	if alreadyDone || len(flush) == 0 {
		return stats, nil
	}

	if err := s.writer.WriteAll(ctx, flush); err != nil {
		return stats, fmt.Errorf("%w: %v", detection.ErrSinkWrite, err)
	}
	return stats, nil
}

func (s *MatchSink) snapshotLocked() SinkStats {
	byEngine := make(map[string]int64, len(s.byEngine))
	for k, v := range s.byEngine {
		byEngine[k] = v
	}
	return SinkStats{Submitted: s.submitted, Accepted: s.accepted, ByEngine: byEngine}
}

// Stats returns the sink's current counts without finalizing.
func (s *MatchSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}
