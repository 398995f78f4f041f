package detection

import (
	"context"
	"time"
)

// Engine is the single contract every detection engine implements. The
// orchestration layer is entirely agnostic to whether an implementation is a
// microsecond-scale pattern matcher or a multi-second network call; that
// uniformity is what allows new engines to be added without touching the
// scheduler or throttle code.
//
// Implementations must honor context cancellation and deadlines by returning
// rather than hanging the calling worker, and must not mutate shared state
// visible to other calls except through their own internal synchronization.
type Engine interface {
	// Name returns the engine's stable identifier, used in findings,
	// statistics, and error records.
	Name() string

	// Detect scans the request text and returns zero or more detections.
	Detect(ctx context.Context, req DetectionRequest) ([]Detection, error)
}

// EngineDescriptor captures an engine's concurrency and retry policy. It is
// configured once at session start and immutable for the session's lifetime.
type EngineDescriptor struct {
	// Name must match the engine's Name().
	Name string

	// MaxConcurrentCalls bounds parallel calls into the engine. A value of 1
	// makes the throttle act as a mutex, which is how thread-unsafe
	// in-process model instances are protected. Fast stateless engines set
	// this to the worker-pool width to run effectively unthrottled.
	MaxConcurrentCalls int

	// Retryable indicates whether overload signals from this engine should
	// be retried with backoff. Pure local pattern matchers are not
	// retryable: a failure there is a logic bug, not transient overload.
	Retryable bool

	// BaseBackoff seeds the exponential backoff on retryable failures.
	BaseBackoff time.Duration

	// MaxRetries caps retry attempts after the initial call.
	MaxRetries int

	// CallTimeout bounds each individual Detect call.
	CallTimeout time.Duration

	// RequestsPerSecond, when > 0, additionally rate-limits calls to the
	// engine. Used for remote APIs with documented throughput limits.
	RequestsPerSecond float64

	// Labels is the ordered label set passed to the engine on every call.
	// Empty means the engine's full detection set.
	Labels []string
}
