package scanning

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/sensiscan/internal/config"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/internal/infra/pathguard"
	"github.com/ahrav/sensiscan/pkg/common/logger"
	"github.com/ahrav/sensiscan/pkg/common/timeutil"
)

// FileTask is the unit of work: one eligible file, validated at discovery
// time and re-validated at open time. Consumed exactly once by exactly one
// worker; immutable after creation.
type FileTask struct {
	Path string
	Size int64
}

// Scheduler walks the directory tree, turns eligible files into FileTasks,
// and executes them with bounded parallelism. The bounded task channel is the
// core backpressure mechanism: when workers are slower than the walker, the
// walker blocks on publish instead of buffering the entire tree's tasks in
// memory. The outstanding-task semaphore applies the same backpressure at a
// coarser grain.
type Scheduler struct {
	cfg       *config.Config
	guard     *pathguard.Guard
	extractor Extractor
	engines   []ThrottledEngine
	sink      *MatchSink
	stats     *detection.ScanStatistics
	errs      *detection.ErrorCollector
	metrics   ScanMetrics
	logger    *logger.Logger
	tracer    trace.Tracer
	clock     timeutil.Provider

	outstanding *semaphore.Weighted
}

// NewScheduler wires a scheduler for one session. The enabled engine set is
// captured once; it is fixed for the session's lifetime.
func NewScheduler(
	cfg *config.Config,
	guard *pathguard.Guard,
	extractor Extractor,
	engines EngineSet,
	sink *MatchSink,
	stats *detection.ScanStatistics,
	errs *detection.ErrorCollector,
	metrics ScanMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		guard:       guard,
		extractor:   extractor,
		engines:     engines.Enabled(),
		sink:        sink,
		stats:       stats,
		errs:        errs,
		metrics:     metrics,
		logger:      log.With("component", "scheduler"),
		tracer:      tracer,
		clock:       timeutil.Default(),
		outstanding: semaphore.NewWeighted(int64(cfg.MaxOutstandingTasks)),
	}
}

// Run walks the tree and processes every eligible file. It returns only
// fatal errors (a failed sink write); per-task failures are recorded in the
// error collector and never propagate. Cancelling ctx stops enumeration,
// skips queued-but-not-started tasks, and lets in-flight tasks drain within
// the configured grace period.
func (s *Scheduler) Run(ctx context.Context) error {
	taskCh := make(chan FileTask, s.cfg.Workers*s.cfg.QueueFactor)

	// workCtx outlives the dispatch context so in-flight tasks can drain
	// after cancellation, cut off at the grace period.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()

	g, gctx := errgroup.WithContext(ctx)

	go func() {
		<-gctx.Done()
		timer := time.NewTimer(s.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			workCancel()
		case <-workCtx.Done():
		}
	}()

	g.Go(func() error {
		defer close(taskCh)
		return s.walk(gctx, taskCh)
	})

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.worker(gctx, workCtx, taskCh)
		})
	}

	return g.Wait()
}

// walk enumerates the tree, validating and filtering entries and publishing
// eligible files into the bounded task channel. Enumeration order is
// unspecified; every eligible file is visited exactly once.
func (s *Scheduler) walk(ctx context.Context, taskCh chan<- FileTask) error {
	var eligible int

	err := filepath.WalkDir(s.guard.Root(), func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			s.errs.Record(detection.CategoryPathRejected, path, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		s.stats.IncFilesWalked()

		res := s.guard.Validate(path)
		if !res.OK {
			s.errs.Record(detection.CategoryPathRejected, path,
				fmt.Errorf("path rejected: %s", res.Reason))
			return nil
		}

		if !s.extractor.Eligible(res.Canonical) {
			return nil
		}
		s.stats.IncFilesEligible()

		// Coarse-grained backpressure on queued plus in-flight tasks.
		if err := s.outstanding.Acquire(ctx, 1); err != nil {
			return filepath.SkipAll
		}

		select {
		case taskCh <- FileTask{Path: res.Canonical, Size: res.Size}:
			s.metrics.IncTasksEnqueued(ctx)
			s.metrics.AddQueueDepth(ctx, 1)
		case <-ctx.Done():
			s.outstanding.Release(1)
			return filepath.SkipAll
		}

		eligible++
		if s.cfg.StopAfterEligible > 0 && eligible >= s.cfg.StopAfterEligible {
			s.logger.Info(ctx, "eligible-file limit reached, stopping enumeration",
				"limit", s.cfg.StopAfterEligible)
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		// WalkDir only returns an error the callback propagated; ours never
		// does, but record it rather than dropping it.
		s.errs.Record(detection.CategoryPathRejected, s.guard.Root(), err)
	}
	return nil
}

// worker pulls tasks until the channel closes or the dispatch context is
// cancelled. Only fatal errors are returned; they cancel the whole group.
func (s *Scheduler) worker(ctx, workCtx context.Context, taskCh <-chan FileTask) error {
	for {
		select {
		case task, ok := <-taskCh:
			if !ok {
				return nil
			}
			s.metrics.AddQueueDepth(ctx, -1)
			err := s.processFile(workCtx, task)
			s.outstanding.Release(1)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			// Queued-but-not-started tasks are skipped on cancellation.
			return nil
		}
	}
}
