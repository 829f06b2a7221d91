package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/ws"
)

// Registry owns the resources and drives their push/poll lifecycles as
// a group. Bulk operations keep going past individual failures and
// return the collected errors.
type Registry struct {
	logger *zap.Logger

	mu        sync.Mutex
	resources map[string]Resource
	order     []string
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		resources: make(map[string]Resource),
	}
}

// Register adds a resource, replacing any previous one with the same
// locator.
func (r *Registry) Register(res Resource) {
	r.mu.Lock()
	locator := res.Locator()
	if _, exists := r.resources[locator]; !exists {
		r.order = append(r.order, locator)
	}
	r.resources[locator] = res
	r.mu.Unlock()
	r.logger.Info("registered resource", zap.String("uri", locator))
}

// Unregister removes a resource. The caller is responsible for having
// stopped it.
func (r *Registry) Unregister(locator string) {
	r.mu.Lock()
	_, ok := r.resources[locator]
	delete(r.resources, locator)
	if ok {
		for i, l := range r.order {
			if l == locator {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("unregistered resource", zap.String("uri", locator))
	}
}

// Get returns the resource with the given locator.
func (r *Registry) Get(locator string) (Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[locator]
	return res, ok
}

// List returns the definitions of every registered resource, in
// registration order.
func (r *Registry) List() []Definition {
	defs := make([]Definition, 0, len(r.snapshot()))
	for _, res := range r.snapshot() {
		defs = append(defs, Definition{
			Locator:           res.Locator(),
			Name:              res.Locator(),
			Description:       res.Description(),
			SupportsStreaming: res.SupportsStreaming(),
			SupportsPolling:   res.SupportsPolling(),
		})
	}
	return defs
}

func (r *Registry) snapshot() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resource, 0, len(r.order))
	for _, locator := range r.order {
		out = append(out, r.resources[locator])
	}
	return out
}

// StartAllStreaming connects conn when needed, then starts streaming
// on every capable resource. Resources that fail to start do not stop
// the others; their errors come back joined.
func (r *Registry) StartAllStreaming(ctx context.Context, conn *ws.Client) error {
	if !conn.IsConnected() {
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connecting websocket: %w", err)
		}
	}

	var errs []error
	count := 0
	for _, res := range r.snapshot() {
		if !res.SupportsStreaming() {
			continue
		}
		count++
		if err := res.StartStreaming(ctx, conn); err != nil {
			r.logger.Error("failed to start streaming",
				zap.String("uri", res.Locator()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", res.Locator(), err))
		}
	}
	r.logger.Info("started streaming resources",
		zap.Int("count", count),
		zap.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}

// StopAllStreaming stops every streaming resource.
func (r *Registry) StopAllStreaming() {
	for _, res := range r.snapshot() {
		if res.SupportsStreaming() {
			res.StopStreaming()
		}
	}
}

// StartAllPolling starts the poll loop of every capable resource.
func (r *Registry) StartAllPolling(ctx context.Context, interval time.Duration) error {
	var errs []error
	count := 0
	for _, res := range r.snapshot() {
		if !res.SupportsPolling() {
			continue
		}
		count++
		if err := res.StartPolling(ctx, interval); err != nil {
			r.logger.Error("failed to start polling",
				zap.String("uri", res.Locator()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", res.Locator(), err))
		}
	}
	r.logger.Info("started polling resources",
		zap.Int("count", count),
		zap.Duration("interval", interval),
	)
	return errors.Join(errs...)
}

// StopAllPolling stops every polling resource.
func (r *Registry) StopAllPolling() {
	for _, res := range r.snapshot() {
		if res.SupportsPolling() {
			res.StopPolling()
		}
	}
}

// Close stops all streaming and polling.
func (r *Registry) Close() {
	r.logger.Info("cleaning up resource registry")
	r.StopAllStreaming()
	r.StopAllPolling()
}
