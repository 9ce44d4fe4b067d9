// Package registry maps type keys to handler descriptors. Each channel owns
// one Registry; lookups are safe to run concurrently with registration.
package registry

import (
	"sort"
	"sync"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
)

type Registry[H any] struct {
	Name string

	mut_handlers sync.RWMutex
	handlers     map[string]H
}

func CreateRegistry[H any](name string) *Registry[H] {
	return &Registry[H]{
		Name:         name,
		mut_handlers: sync.RWMutex{},
		handlers:     make(map[string]H),
	}
}

func (r *Registry[H]) Register(typeKey string, handler H) error {
	r.mut_handlers.Lock()
	defer r.mut_handlers.Unlock()

	if _, has := r.handlers[typeKey]; has {
		return &errors.DuplicateRegistration{
			Registry: r.Name,
			TypeKey:  typeKey,
		}
	}

	r.handlers[typeKey] = handler
	return nil
}

// Unregister removes typeKey. Absent keys are ignored.
func (r *Registry[H]) Unregister(typeKey string) {
	r.mut_handlers.Lock()
	defer r.mut_handlers.Unlock()
	delete(r.handlers, typeKey)
}

func (r *Registry[H]) Lookup(typeKey string) (H, bool) {
	r.mut_handlers.RLock()
	defer r.mut_handlers.RUnlock()

	handler, has := r.handlers[typeKey]
	return handler, has
}

func (r *Registry[H]) Has(typeKey string) bool {
	_, has := r.Lookup(typeKey)
	return has
}

func (r *Registry[H]) Clear() {
	r.mut_handlers.Lock()
	defer r.mut_handlers.Unlock()
	r.handlers = make(map[string]H)
}

func (r *Registry[H]) Len() int {
	r.mut_handlers.RLock()
	defer r.mut_handlers.RUnlock()
	return len(r.handlers)
}

func (r *Registry[H]) Keys() []string {
	r.mut_handlers.RLock()
	defer r.mut_handlers.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
