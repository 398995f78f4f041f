package scanning

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sensiscan/internal/config"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/internal/infra/pathguard"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

// Outcome classifies how a scan session ended.
type Outcome string

const (
	// OutcomeClean means every eligible file was processed and no errors
	// were recorded.
	OutcomeClean Outcome = "clean"

	// OutcomeWithErrors means the scan ran to completion but some tasks
	// failed; the error summary holds the details.
	OutcomeWithErrors Outcome = "completed_with_errors"

	// OutcomeFatal means the session aborted on a fatal error, such as a
	// failed sink write. Findings already forwarded remain valid.
	OutcomeFatal Outcome = "fatal"
)

// Summary is the terminal report of a session, returned by Handle.Wait.
type Summary struct {
	SessionID uuid.UUID
	Outcome   Outcome
	Cancelled bool
	Duration  time.Duration

	Stats  detection.StatsSnapshot
	Errors map[detection.ErrorCategory]detection.ErrorRecord
	Sink   SinkStats
}

// Deps are the collaborators a session needs. Extractor, Engines, and Writer
// are required; the rest default to no-op implementations when nil.
type Deps struct {
	Extractor Extractor
	Engines   EngineSet
	Writer    FindingWriter

	// Stats, when set, is the statistics instance shared with collaborators
	// that record into it (engine throttles). Nil creates a fresh one.
	Stats *detection.ScanStatistics

	Metrics ScanMetrics
	Logger  *logger.Logger
	Tracer  trace.Tracer
}

// Handle is the caller's control surface for a running session. All methods
// are safe for concurrent use.
type Handle struct {
	id     uuid.UUID
	cancel context.CancelFunc
	stats  *detection.ScanStatistics

	userCancelled atomic.Bool
	done          chan struct{}

	// Set before done is closed.
	summary Summary
	err     error
}

// ID returns the session identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Cancel requests orderly shutdown: enumeration stops, queued tasks are
// skipped, and in-flight tasks drain within the configured grace period.
// Safe to call multiple times.
func (h *Handle) Cancel() {
	h.userCancelled.Store(true)
	h.cancel()
}

// Statistics returns a live snapshot of progress counters. Callable at any
// time, including after the session ends.
func (h *Handle) Statistics() detection.StatsSnapshot { return h.stats.Snapshot() }

// Done returns a channel closed when the session has fully terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session terminates and returns its summary. The
// error is non-nil only for fatal outcomes. A cancelled session is not an
// error: its summary reports Cancelled with the partial statistics.
func (h *Handle) Wait() (Summary, error) {
	<-h.done
	return h.summary, h.err
}

// Start validates cfg, wires the session, and launches it. The returned
// Handle controls and observes the run; Start itself does not block on scan
// work. Cancelling ctx has the same effect as Handle.Cancel.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (*Handle, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Extractor == nil || deps.Engines == nil || deps.Writer == nil {
		return nil, fmt.Errorf("%w: extractor, engines, and writer are required",
			detection.ErrConfigInvalid)
	}
	if len(deps.Engines.Enabled()) == 0 {
		return nil, fmt.Errorf("%w: no enabled engines", detection.ErrConfigInvalid)
	}

	guard, err := pathguard.New(cfg.Root, cfg.MaxFileSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: root %q: %v", detection.ErrConfigInvalid, cfg.Root, err)
	}

	log := deps.Logger
	if log == nil {
		log = logger.Noop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NoopMetrics()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("scanning")
	}

	id := uuid.New()
	log = log.With("session_id", id.String())

	stats := deps.Stats
	if stats == nil {
		stats = detection.NewScanStatistics()
	}
	errs := detection.NewErrorCollector(cfg.ErrorPathSample)
	sink := NewMatchSink(deps.Writer, cfg.Whitelist, cfg.Output.Mode,
		cfg.Output.MaxBufferedFindings, stats, log)
	sched := NewScheduler(cfg, guard, deps.Extractor, deps.Engines, sink,
		stats, errs, metrics, log, tracer)

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     id,
		cancel: cancel,
		stats:  stats,
		done:   make(chan struct{}),
	}

	go h.run(runCtx, cfg, sched, sink, deps.Writer, errs, log)
	return h, nil
}

// run executes the scheduler and then the teardown sequence: finalize the
// sink, write the error summary, close the writer. Teardown always runs,
// fatal or not, under a fresh grace-bounded context.
func (h *Handle) run(
	ctx context.Context,
	cfg *config.Config,
	sched *Scheduler,
	sink *MatchSink,
	writer FindingWriter,
	errs *detection.ErrorCollector,
	log *logger.Logger,
) {
	defer close(h.done)
	defer h.cancel()

	start := time.Now()
	log.Info(ctx, "scan session starting", "root", cfg.Root, "workers", cfg.Workers)

	fatal := sched.Run(ctx)
	cancelled := fatal == nil && (h.userCancelled.Load() || ctx.Err() != nil)

	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer finCancel()

	sinkStats, finErr := sink.Finalize(finCtx)
	if finErr != nil && fatal == nil {
		fatal = finErr
	}
	if werr := writer.WriteErrorSummary(finCtx, errs.Summary()); werr != nil {
		log.Error(finCtx, "writing error summary failed", "err", werr)
	}
	if cerr := writer.Close(); cerr != nil {
		log.Error(finCtx, "closing output writer failed", "err", cerr)
	}

	summary := Summary{
		SessionID: h.id,
		Cancelled: cancelled,
		Duration:  time.Since(start),
		Stats:     h.stats.Snapshot(),
		Errors:    errs.Summary(),
		Sink:      sinkStats,
	}
	switch {
	case fatal != nil:
		summary.Outcome = OutcomeFatal
	case errs.Total() > 0:
		summary.Outcome = OutcomeWithErrors
	default:
		summary.Outcome = OutcomeClean
	}

	log.Info(finCtx, "scan session finished",
		"outcome", string(summary.Outcome),
		"cancelled", summary.Cancelled,
		"duration", summary.Duration.String(),
		"files_processed", summary.Stats.FilesProcessed,
		"files_errored", summary.Stats.FilesErrored,
		"findings", summary.Sink.Accepted)

	h.summary = summary
	h.err = fatal
}
