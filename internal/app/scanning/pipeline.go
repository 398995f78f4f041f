package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// processFile runs the full per-task pipeline: re-validate, extract, detect
// per chunk per engine, submit findings. It returns an error only when the
// sink write fails, which is fatal for the session. Every other failure is
// recorded and the task is counted as errored.
//
// When ctx is cancelled mid-task (session cancellation), the task is
// abandoned without being counted as processed or errored: its partial
// results are already discarded by the cancelled engine calls.
func (s *Scheduler) processFile(ctx context.Context, task FileTask) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.process_file",
		trace.WithAttributes(
			attribute.String("file.path", task.Path),
			attribute.Int64("file.size_bytes", task.Size),
		))
	defer span.End()

	start := s.clock.Now()
	defer func() { s.metrics.ObserveTaskDuration(ctx, s.clock.Now().Sub(start)) }()

	fileCtx, cancel := context.WithTimeout(ctx, s.cfg.FileTimeout)
	defer cancel()

	// Re-validate at open time: the file may have changed, grown, or been
	// replaced by a symlink since enumeration.
	res := s.guard.Validate(task.Path)
	if !res.OK {
		s.failTask(ctx, span, task.Path, detection.CategoryPathRejected,
			fmt.Errorf("path rejected at open: %s", res.Reason))
		return nil
	}

	stream, err := s.extractor.Extract(fileCtx, task.Path)
	if err != nil {
		if s.cancelled(ctx, err) {
			return nil
		}
		s.failTask(ctx, span, task.Path, detection.CategoryExtractionFailed, err)
		return nil
	}
	defer stream.Close()

	total := stream.Total()
	failed := false

	for {
		chunk, err := stream.Next(fileCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.cancelled(ctx, err) {
				return nil
			}
			s.errs.Record(detection.CategoryExtractionFailed, task.Path, err)
			failed = true
			break
		}

		fc := detection.FileContext{Path: task.Path, ChunkIndex: chunk.Index, ChunkTotal: total}
		engineFailed, fatal := s.detectChunk(ctx, fileCtx, chunk, fc)
		if fatal != nil {
			span.RecordError(fatal)
			span.SetStatus(codes.Error, "sink write failed")
			return fatal
		}
		if engineFailed {
			if s.cancelled(ctx, nil) {
				return nil
			}
			failed = true
		}
		s.stats.IncChunksProcessed()
	}

	if failed {
		s.stats.IncFilesErrored()
		s.metrics.IncTaskErrors(ctx)
		span.SetStatus(codes.Error, "task completed with errors")
		return nil
	}
	s.stats.IncFilesProcessed()
	s.metrics.IncTasksProcessed(ctx)
	span.SetStatus(codes.Ok, "task processed")
	return nil
}

// detectChunk runs one chunk through every enabled engine. An engine failure
// marks the task errored but never stops the remaining engines; engine
// results are independent. The returned error is fatal (sink write failure).
// fileCtx bounds the engine calls; ctx distinguishes session cancellation
// from the per-file timeout.
func (s *Scheduler) detectChunk(ctx, fileCtx context.Context, chunk Chunk, fc detection.FileContext) (failed bool, fatal error) {
	for _, eng := range s.engines {
		desc := eng.Descriptor()
		req := detection.DetectionRequest{
			Text:    chunk.Text,
			Labels:  desc.Labels,
			Timeout: desc.CallTimeout,
		}

		callStart := s.clock.Now()
		detections, err := eng.Detect(fileCtx, req)
		s.metrics.ObserveEngineLatency(ctx, desc.Name, s.clock.Now().Sub(callStart))

		if err != nil {
			if s.cancelled(ctx, err) {
				return true, nil
			}
			cat := detection.CategorizeEngineError(err)
			s.errs.Record(cat, fc.Path, err)
			// The chunk was not scanned by this engine; record that
			// distinctly from "scanned, zero findings".
			s.stats.RecordEngineSkip(desc.Name)
			s.metrics.IncEngineErrors(ctx, desc.Name)
			s.logger.Warn(ctx, "engine call failed",
				"engine", desc.Name,
				"path", fc.Path,
				"chunk", fc.ChunkIndex,
				"category", string(cat),
				"err", err)
			failed = true
			continue
		}

		for _, d := range detections {
			if err := s.sink.Submit(ctx, d, fc); err != nil {
				s.errs.Record(detection.CategorySinkWriteFailed, fc.Path, err)
				return failed, err
			}
			s.metrics.IncFindings(ctx, d.Engine)
		}
	}
	return failed, nil
}

// failTask records a pre-detection failure and counts the task as errored.
func (s *Scheduler) failTask(ctx context.Context, span trace.Span, path string, cat detection.ErrorCategory, err error) {
	s.errs.Record(cat, path, err)
	s.stats.IncFilesErrored()
	s.metrics.IncTaskErrors(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(cat))
	s.logger.Warn(ctx, "task failed", "path", path, "category", string(cat), "err", err)
}

// cancelled reports whether err (or the absence of one) reflects session
// cancellation rather than a task-level failure. The per-file timeout is a
// task failure; only the outer context going away is cancellation.
func (s *Scheduler) cancelled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
