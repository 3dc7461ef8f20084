package provider

import (
	"context"
	"sync"

	"github.com/pullbox/backend/internal/logger"
)

// Registry maps a source URL to the first registered adapter that accepts
// it. Constructed once at process start and injected into the engine; there
// is no ambient global registry.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	log      *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make([]Adapter, 0),
		log:      logger.Default().WithComponent("provider"),
	}
}

// Register appends an adapter. Lookup order is registration order.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// ResolveAdapter returns the first adapter whose CanHandle accepts the URL,
// or nil when none does. A panicking CanHandle counts as a refusal, never a
// failed lookup.
func (r *Registry) ResolveAdapter(url string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.adapters {
		if r.canHandle(a, url) {
			return a
		}
	}
	return nil
}

// Names returns the registered adapter names in lookup order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	return names
}

func (r *Registry) canHandle(a Adapter, url string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn(context.Background(), "adapter CanHandle panicked, treating as refusal", map[string]interface{}{
				"adapter": a.Name(),
				"url":     url,
				"panic":   rec,
			})
			ok = false
		}
	}()
	return a.CanHandle(url)
}
