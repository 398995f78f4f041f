package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sensiscan/internal/config"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

// memWriter is an in-memory FindingWriter for tests.
type memWriter struct {
	mu        sync.Mutex
	findings  []detection.Finding
	batches   [][]detection.Finding
	summary   map[detection.ErrorCategory]detection.ErrorRecord
	closed    int
	failWrite error
	failBatch error
}

func (w *memWriter) WriteFinding(_ context.Context, f detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrite != nil {
		return w.failWrite
	}
	w.findings = append(w.findings, f)
	return nil
}

func (w *memWriter) WriteAll(_ context.Context, fs []detection.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failBatch != nil {
		return w.failBatch
	}
	w.batches = append(w.batches, fs)
	return nil
}

func (w *memWriter) WriteErrorSummary(_ context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summary = errs
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *memWriter) written() []detection.Finding {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]detection.Finding, len(w.findings))
	copy(out, w.findings)
	return out
}

func det(engine, match string) detection.Detection {
	return detection.Detection{Match: match, Label: "secret", Engine: engine}
}

func fctx(path string, chunk int) detection.FileContext {
	return detection.FileContext{Path: path, ChunkIndex: chunk, ChunkTotal: 1}
}

func TestMatchSinkIncrementalForwardsImmediately(t *testing.T) {
	t.Parallel()

	w := new(memWriter)
	sink := NewMatchSink(w, nil, config.OutputModeIncremental, 10, nil, logger.Noop())

	require.NoError(t, sink.Submit(context.Background(), det("regex", "AKIA123"), fctx("a.txt", 0)))
	require.NoError(t, sink.Submit(context.Background(), det("regex", "AKIA456"), fctx("a.txt", 1)))

	assert.Len(t, w.written(), 2)

	stats, err := sink.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(2), stats.ByEngine["regex"])
}

func TestMatchSinkWhitelistDropsMatches(t *testing.T) {
	t.Parallel()

	w := new(memWriter)
	sink := NewMatchSink(w, []string{"EXAMPLE", "test-fixture"}, config.OutputModeIncremental, 10, nil, logger.Noop())

	require.NoError(t, sink.Submit(context.Background(), det("regex", "AKIAEXAMPLEKEY"), fctx("a.txt", 0)))
	require.NoError(t, sink.Submit(context.Background(), det("regex", "real-secret"), fctx("a.txt", 0)))
	require.NoError(t, sink.Submit(context.Background(), det("regex", "some test-fixture token"), fctx("b.txt", 0)))

	written := w.written()
	require.Len(t, written, 1)
	assert.Equal(t, "real-secret", written[0].Match)

	stats := sink.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Accepted)
}

func TestMatchSinkBatchedFlushesAtFinalize(t *testing.T) {
	t.Parallel()

	w := new(memWriter)
	sink := NewMatchSink(w, nil, config.OutputModeBatched, 10, nil, logger.Noop())

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Submit(context.Background(), det("regex", "tok"), fctx("a.txt", i)))
	}
	assert.Empty(t, w.written(), "batched mode must not forward before finalize")

	stats, err := sink.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Accepted)
	require.Len(t, w.batches, 1)
	assert.Len(t, w.batches[0], 3)
}

func TestMatchSinkBatchedDegradesAtCap(t *testing.T) {
	t.Parallel()

	w := new(memWriter)
	sink := NewMatchSink(w, nil, config.OutputModeBatched, 2, nil, logger.Noop())

	require.NoError(t, sink.Submit(context.Background(), det("regex", "t1"), fctx("a.txt", 0)))
	require.NoError(t, sink.Submit(context.Background(), det("regex", "t2"), fctx("a.txt", 1)))
	// Cap reached: both buffered findings flushed incrementally.
	assert.Len(t, w.written(), 2)

	require.NoError(t, sink.Submit(context.Background(), det("regex", "t3"), fctx("a.txt", 2)))
	assert.Len(t, w.written(), 3)

	stats, err := sink.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Empty(t, w.batches, "degraded sink must not batch at finalize")
}

func TestMatchSinkFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	w := new(memWriter)
	sink := NewMatchSink(w, nil, config.OutputModeBatched, 10, nil, logger.Noop())

	require.NoError(t, sink.Submit(context.Background(), det("regex", "tok"), fctx("a.txt", 0)))

	first, err := sink.Finalize(context.Background())
	require.NoError(t, err)
	second, err := sink.Finalize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Accepted, second.Accepted)
	assert.Len(t, w.batches, 1, "findings must be forwarded exactly once")
}

func TestMatchSinkWriteFailureIsSinkWriteError(t *testing.T) {
	t.Parallel()

	w := &memWriter{failWrite: errors.New("disk full")}
	sink := NewMatchSink(w, nil, config.OutputModeIncremental, 10, nil, logger.Noop())

	err := sink.Submit(context.Background(), det("regex", "tok"), fctx("a.txt", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrSinkWrite)
}

func TestMatchSinkCountsFindingsInStatistics(t *testing.T) {
	t.Parallel()

	stats := detection.NewScanStatistics()
	w := new(memWriter)
	sink := NewMatchSink(w, []string{"skip-me"}, config.OutputModeIncremental, 10, stats, logger.Noop())

	require.NoError(t, sink.Submit(context.Background(), det("regex", "keep"), fctx("a.txt", 0)))
	require.NoError(t, sink.Submit(context.Background(), det("regex", "skip-me"), fctx("a.txt", 0)))

	assert.Equal(t, int64(1), stats.Snapshot().FindingsEmitted)
}
