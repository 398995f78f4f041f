package detection

import (
	"sync"
	"sync/atomic"
	"time"
)

// ScanStatistics tracks counters for one scan session. All mutation goes
// through atomic operations or the internal lock, and Snapshot returns a
// read-consistent view at any time, including mid-scan.
type ScanStatistics struct {
	filesWalked     atomic.Int64
	filesEligible   atomic.Int64
	filesProcessed  atomic.Int64
	filesErrored    atomic.Int64
	chunksProcessed atomic.Int64
	findingsEmitted atomic.Int64

	mu      sync.Mutex
	engines map[string]*engineStats
}

type engineStats struct {
	calls        atomic.Int64
	errors       atomic.Int64
	skipped      atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// NewScanStatistics creates an empty statistics tracker.
func NewScanStatistics() *ScanStatistics {
	return &ScanStatistics{engines: make(map[string]*engineStats)}
}

// IncFilesWalked records one filesystem entry visited by the walker.
func (s *ScanStatistics) IncFilesWalked() { s.filesWalked.Add(1) }

// IncFilesEligible records one file that passed eligibility checks.
func (s *ScanStatistics) IncFilesEligible() { s.filesEligible.Add(1) }

// IncFilesProcessed records one file fully processed by the pipeline.
func (s *ScanStatistics) IncFilesProcessed() { s.filesProcessed.Add(1) }

// IncFilesErrored records one file whose processing failed.
func (s *ScanStatistics) IncFilesErrored() { s.filesErrored.Add(1) }

// IncChunksProcessed records one completed chunk task.
func (s *ScanStatistics) IncChunksProcessed() { s.chunksProcessed.Add(1) }

// AddFindings records findings accepted by the sink.
func (s *ScanStatistics) AddFindings(n int64) { s.findingsEmitted.Add(n) }

// RecordEngineCall records one completed engine call and its latency.
func (s *ScanStatistics) RecordEngineCall(engine string, latency time.Duration, err error) {
	es := s.engine(engine)
	es.calls.Add(1)
	es.totalLatency.Add(int64(latency))
	if err != nil {
		es.errors.Add(1)
	}
}

// RecordEngineSkip records a chunk that was not scanned by the engine at all,
// e.g. after retry exhaustion. Kept distinct from "scanned, zero findings" so
// downstream consumers can distinguish silence from failure.
func (s *ScanStatistics) RecordEngineSkip(engine string) {
	s.engine(engine).skipped.Add(1)
}

func (s *ScanStatistics) engine(name string) *engineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.engines[name]
	if !ok {
		es = &engineStats{}
		s.engines[name] = es
	}
	return es
}

// EngineSnapshot is a point-in-time view of one engine's call counters.
type EngineSnapshot struct {
	Calls      int64
	Errors     int64
	Skipped    int64
	AvgLatency time.Duration
}

// StatsSnapshot is a point-in-time view of a session's counters.
type StatsSnapshot struct {
	FilesWalked     int64
	FilesEligible   int64
	FilesProcessed  int64
	FilesErrored    int64
	ChunksProcessed int64
	FindingsEmitted int64
	Engines         map[string]EngineSnapshot
}

// Snapshot returns a consistent copy of all counters.
func (s *ScanStatistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FilesWalked:     s.filesWalked.Load(),
		FilesEligible:   s.filesEligible.Load(),
		FilesProcessed:  s.filesProcessed.Load(),
		FilesErrored:    s.filesErrored.Load(),
		ChunksProcessed: s.chunksProcessed.Load(),
		FindingsEmitted: s.findingsEmitted.Load(),
		Engines:         make(map[string]EngineSnapshot),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, es := range s.engines {
		calls := es.calls.Load()
		e := EngineSnapshot{
			Calls:   calls,
			Errors:  es.errors.Load(),
			Skipped: es.skipped.Load(),
		}
		if calls > 0 {
			e.AvgLatency = time.Duration(es.totalLatency.Load() / calls)
		}
		snap.Engines[name] = e
	}
	return snap
}
