package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type trackedResource struct {
	name    string
	cleanup func(context.Context) error
	once    sync.Once
}

// ResourceManager tracks live resources so they can be released on shutdown.
type ResourceManager struct {
	logger *zap.Logger

	mu        sync.Mutex
	nextID    uint64
	resources map[uint64]*trackedResource
}

// NewResourceManager builds an empty manager.
func NewResourceManager(opts ...Option) *ResourceManager {
	o := buildOptions(opts)
	return &ResourceManager{
		logger:    o.logger,
		resources: make(map[uint64]*trackedResource),
	}
}

// Count reports the number of tracked resources.
func (m *ResourceManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// Track registers cleanup under name and returns a release func that runs it once and
// stops tracking.
func (m *ResourceManager) Track(name string, cleanup func(context.Context) error) func(context.Context) {
	r := &trackedResource{name: name, cleanup: cleanup}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.resources[id] = r
	m.mu.Unlock()

	return func(ctx context.Context) {
		m.release(ctx, r)
		m.mu.Lock()
		delete(m.resources, id)
		m.mu.Unlock()
	}
}

// Cleanup releases every tracked resource. Failures are logged and do not stop the rest.
func (m *ResourceManager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	pending := make([]*trackedResource, 0, len(m.resources))
	for id, r := range m.resources {
		pending = append(pending, r)
		delete(m.resources, id)
	}
	m.mu.Unlock()

	for _, r := range pending {
		m.release(ctx, r)
	}
	if len(pending) > 0 {
		m.logger.Info("released tracked resources", zap.Int("count", len(pending)))
	}
}

func (m *ResourceManager) release(ctx context.Context, r *trackedResource) {
	r.once.Do(func() {
		if r.cleanup == nil {
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("resource cleanup panicked", zap.String("resource", r.name), zap.Any("panic", rec))
			}
		}()
		if err := r.cleanup(ctx); err != nil {
			m.logger.Error("resource cleanup failed", zap.String("resource", r.name), zap.Error(err))
		}
	})
}
