package engine

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sensiscan/internal/app/scanning"
	"github.com/ahrav/sensiscan/internal/domain/detection"
	"github.com/ahrav/sensiscan/pkg/common/logger"
)

var _ scanning.EngineSet = (*Registry)(nil)

// Registry holds the session's enabled detection engines, each wrapped with
// its throttle. Engines are registered at session start; the set is fixed for
// the session's lifetime.
type Registry struct {
	stats  *detection.ScanStatistics
	logger *logger.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	entries []*Throttle
	byName  map[string]*Throttle
}

// NewRegistry creates an empty engine registry. stats may be nil.
func NewRegistry(stats *detection.ScanStatistics, log *logger.Logger, tracer trace.Tracer) *Registry {
	return &Registry{
		stats:  stats,
		logger: log,
		tracer: tracer,
		byName: make(map[string]*Throttle),
	}
}

// Register wraps the engine with the policy in desc and adds it to the set.
// Engine names must be unique within a session.
func (r *Registry) Register(desc detection.EngineDescriptor, eng detection.Engine) error {
	if desc.Name != eng.Name() {
		return fmt.Errorf("descriptor name %q does not match engine name %q", desc.Name, eng.Name())
	}
	if desc.MaxConcurrentCalls < 1 {
		return fmt.Errorf("engine %q: max concurrent calls must be >= 1", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("engine %q already registered", desc.Name)
	}

	t := NewThrottle(eng, desc, r.stats, r.logger, r.tracer)
	r.entries = append(r.entries, t)
	r.byName[desc.Name] = t
	return nil
}

// Enabled returns the registered engines in registration order.
func (r *Registry) Enabled() []scanning.ThrottledEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]scanning.ThrottledEngine, len(r.entries))
	for i, t := range r.entries {
		out[i] = t
	}
	return out
}

// Get returns the throttled engine with the given name, if registered.
func (r *Registry) Get(name string) (scanning.ThrottledEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}
