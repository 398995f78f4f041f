package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

// fakeEngine is a controllable engine that tracks call concurrency.
type fakeEngine struct {
	name        string
	delay       time.Duration
	err         error
	detections  []detection.Detection
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	f.calls.Add(1)

	cur := f.inFlight.Add(1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.detections, nil
}

func newTestThrottle(eng detection.Engine, desc detection.EngineDescriptor) *Throttle {
	return NewThrottle(eng, desc, nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestDetect_MaxOneCallNeverOverlaps(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "serial-model", delay: 5 * time.Millisecond}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "serial-model",
		MaxConcurrentCalls: 1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), eng.calls.Load())
	assert.Equal(t, int64(1), eng.maxInFlight.Load(),
		"a max-1 engine must never see overlapping calls")
}

func TestDetect_ThrottleDominatesPoolWidth(t *testing.T) {
	t.Parallel()

	const latency = 100 * time.Millisecond

	eng := &fakeEngine{name: "slow", delay: latency}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "slow",
		MaxConcurrentCalls: 2,
	})

	// 3 calls from a pool of 4: ceil(3/2) rounds of 100ms each.
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*latency,
		"wall clock must be bounded below by ceil(3/2)*latency")
	assert.LessOrEqual(t, int64(2), eng.maxInFlight.Load())
}

func TestDetect_RetriesExactlyMaxRetriesTimes(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "flaky", err: detection.ErrOverloaded}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "flaky",
		MaxConcurrentCalls: 2,
		Retryable:          true,
		BaseBackoff:        time.Millisecond,
		MaxRetries:         2,
	})

	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrOverloaded)
	assert.Equal(t, int64(3), eng.calls.Load(), "1 initial attempt + 2 retries")
}

func TestDetect_NonRetryableFailsFast(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "regex", err: assert.AnError}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "regex",
		MaxConcurrentCalls: 4,
	})

	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int64(1), eng.calls.Load())
}

func TestDetect_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "remote", err: assert.AnError}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "remote",
		MaxConcurrentCalls: 2,
		Retryable:          true,
		BaseBackoff:        time.Millisecond,
		MaxRetries:         5,
	})

	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(1), eng.calls.Load(), "internal errors are not transient overload")
}

func TestDetect_CallTimeoutBecomesTimeoutSentinel(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "hang", delay: time.Second}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "hang",
		MaxConcurrentCalls: 1,
		CallTimeout:        10 * time.Millisecond,
	})

	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrEngineTimeout)
}

func TestAdaptiveShrinkAndRestore(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "adaptive", err: detection.ErrOverloaded}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "adaptive",
		MaxConcurrentCalls: 4,
		Retryable:          true,
		BaseBackoff:        time.Millisecond,
		MaxRetries:         shrinkAfterOverloads,
	})

	// Enough consecutive overloads to trip the shrink threshold.
	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int64(2), throttle.effectiveLimit(), "limit should halve after repeated overloads")

	// A sustained run of successes restores withheld slots one at a time.
	eng.err = nil
	for i := 0; i < restoreAfterSuccesses; i++ {
		_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), throttle.effectiveLimit())
}

func TestAdaptiveShrinkScalesRateLimit(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "rated", err: detection.ErrOverloaded}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "rated",
		MaxConcurrentCalls: 4,
		RequestsPerSecond:  1000,
		Retryable:          true,
		BaseBackoff:        time.Millisecond,
		MaxRetries:         shrinkAfterOverloads,
	})

	_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	require.Equal(t, int64(2), throttle.effectiveLimit())

	rps, burst := throttle.limiter.Limits()
	assert.InDelta(t, 500.0, rps, 0.1, "rate should halve in step with concurrency")
	assert.Equal(t, 2, burst)

	eng.err = nil
	for i := 0; i < restoreAfterSuccesses; i++ {
		_, err := throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), throttle.effectiveLimit())

	rps, burst = throttle.limiter.Limits()
	assert.InDelta(t, 750.0, rps, 0.1, "rate recovers as withheld slots are released")
	assert.Equal(t, 3, burst)
}

func TestDetect_CancelledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "busy", delay: time.Second}
	throttle := newTestThrottle(eng, detection.EngineDescriptor{
		Name:               "busy",
		MaxConcurrentCalls: 1,
	})

	// Occupy the only slot.
	go throttle.Detect(context.Background(), detection.DetectionRequest{Text: "x"}) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := throttle.Detect(ctx, detection.DetectionRequest{Text: "y"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
