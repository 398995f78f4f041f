// Package engine provides the engine registry and the per-engine throttle
// that wraps every detection engine call with its concurrency, rate, and
// retry policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/sensiscan/internal/app/scanning"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
	"github.com/ahrav/sensiscan/pkg/common/ratelimit"
)

var _ scanning.ThrottledEngine = (*Throttle)(nil)

const (
	// shrinkAfterOverloads is how many consecutive overload signals trigger
	// halving the effective concurrency limit.
	shrinkAfterOverloads = 3

	// restoreAfterSuccesses is how many consecutive successes release one
	// withheld concurrency slot.
	restoreAfterSuccesses = 10

	// maxBackoffInterval caps the exponential backoff between retries.
	maxBackoffInterval = 30 * time.Second
)

// Throttle wraps a detection engine with a counting semaphore sized to the
// descriptor's MaxConcurrentCalls, an optional rate limiter, and a retry
// policy with exponential backoff and jitter. A limit of 1 acts as a mutex
// around engines that are not safe to call from multiple goroutines.
//
// On repeated overload signals the throttle temporarily halves its effective
// concurrency by withholding semaphore slots, and slowly restores them after
// a sustained run of successes. This keeps slow local inference servers and
// rate-limited remote APIs from being flooded by the full worker-pool width.
type Throttle struct {
	engine  detection.Engine
	desc    detection.EngineDescriptor
	sem     *semaphore.Weighted
	limiter *ratelimit.Limiter
	stats   *detection.ScanStatistics

	logger *logger.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	overloads int   // consecutive overload signals
	successes int   // consecutive successes while shrunk
	withheld  int64 // slots currently withheld from the semaphore
}

// NewThrottle wraps the engine with the policy in desc. stats may be nil;
// when set, every call attempt (including retries) is recorded against it.
func NewThrottle(
	eng detection.Engine,
	desc detection.EngineDescriptor,
	stats *detection.ScanStatistics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Throttle {
	t := &Throttle{
		engine: eng,
		desc:   desc,
		sem:    semaphore.NewWeighted(int64(desc.MaxConcurrentCalls)),
		stats:  stats,
		logger: log.With("engine", desc.Name),
		tracer: tracer,
	}
	if desc.RequestsPerSecond > 0 {
		t.limiter = ratelimit.NewLimiter(desc.RequestsPerSecond, max(1, desc.MaxConcurrentCalls))
	}
	return t
}

// Descriptor returns the engine's immutable session policy.
func (t *Throttle) Descriptor() detection.EngineDescriptor { return t.desc }

// Detect acquires the engine's throttle slot, then runs the call with the
// descriptor's retry policy. Retry exhaustion surfaces the last overload
// error to the caller; converting that into an error record is the
// pipeline's job.
func (t *Throttle) Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	ctx, span := t.tracer.Start(ctx, "engine_throttle.detect",
		trace.WithAttributes(
			attribute.String("engine", t.desc.Name),
			attribute.Int("text_len", len(req.Text)),
		))
	defer span.End()

	if err := t.sem.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "semaphore acquire cancelled")
		return nil, err
	}
	defer t.sem.Release(1)

	if !t.desc.Retryable {
		ds, err := t.attempt(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		return ds, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.desc.BaseBackoff
	bo.MaxInterval = maxBackoffInterval

	var result []detection.Detection
	op := func() error {
		ds, err := t.attempt(ctx, req)
		if err != nil {
			if !isOverloadSignal(err) {
				return backoff.Permanent(err)
			}
			t.noteOverload(ctx)
			return err
		}
		t.noteSuccess()
		result = ds
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(t.desc.MaxRetries))
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "detect failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("detections", len(result)))
	return result, nil
}

// attempt runs a single engine call under the per-call timeout, normalizing
// deadline errors to the timeout sentinel.
func (t *Throttle) attempt(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	callCtx := ctx
	if t.desc.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.desc.CallTimeout)
		defer cancel()
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(callCtx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	ds, err := t.engine.Detect(callCtx, req)
	latency := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%s after %s: %w", t.desc.Name, latency, detection.ErrEngineTimeout)
	}

	if t.stats != nil {
		t.stats.RecordEngineCall(t.desc.Name, latency, err)
	}
	return ds, err
}

// isOverloadSignal reports whether an error should be retried: transient
// overload or a per-call timeout, but never caller cancellation.
func isOverloadSignal(err error) bool {
	return errors.Is(err, detection.ErrOverloaded) ||
		errors.Is(err, detection.ErrEngineTimeout)
}

// noteOverload counts consecutive overload signals and halves the effective
// concurrency limit once they cross the threshold. Shrinking works by
// withholding semaphore slots, so it takes effect as in-flight calls drain.
func (t *Throttle) noteOverload(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successes = 0
	t.overloads++
	if t.overloads < shrinkAfterOverloads {
		return
	}
	t.overloads = 0

	limit := int64(t.desc.MaxConcurrentCalls)
	effective := limit - t.withheld
	target := effective / 2
	if target < 1 {
		target = 1
	}

	for effective > target {
		if !t.sem.TryAcquire(1) {
			break
		}
		t.withheld++
		effective--
	}

	if t.withheld > 0 {
		t.syncLimiterLocked()
		t.logger.Warn(ctx, "engine overloaded, shrinking effective concurrency",
			"effective_limit", limit-t.withheld, "max_limit", limit)
	}
}

// noteSuccess counts consecutive successes and, while shrunk, releases one
// withheld slot per sustained run so the limit recovers gradually.
func (t *Throttle) noteSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.overloads = 0
	if t.withheld == 0 {
		return
	}

	t.successes++
	if t.successes < restoreAfterSuccesses {
		return
	}
	t.successes = 0
	t.withheld--
	t.sem.Release(1)
	t.syncLimiterLocked()
}

// syncLimiterLocked scales the rate limit in step with the effective
// concurrency, so a shrunk engine is slowed on both axes. Caller holds t.mu.
func (t *Throttle) syncLimiterLocked() {
	if t.limiter == nil {
		return
	}
	limit := int64(t.desc.MaxConcurrentCalls)
	effective := limit - t.withheld
	rps := t.desc.RequestsPerSecond * float64(effective) / float64(limit)
	t.limiter.UpdateLimits(rps, max(1, int(effective)))
}

// effectiveLimit returns the current limit minus withheld slots. Used by
// tests to observe adaptive behavior.
func (t *Throttle) effectiveLimit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.desc.MaxConcurrentCalls) - t.withheld
}
