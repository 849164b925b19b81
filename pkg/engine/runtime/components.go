package runtime

import (
	"reflect"
	"sync"
)

// Components is a type-keyed locator for collaborators reachable from a request
// (subscription service, API key service, limiter registry).
type Components struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

// NewComponents creates an empty locator.
func NewComponents() *Components {
	return &Components{items: make(map[reflect.Type]any)}
}

// Register stores v under the type T. Registering an interface type makes the
// component reachable by that interface.
func Register[T any](c *Components, v T) {
	c.mu.Lock()
	c.items[reflect.TypeFor[T]()] = v
	c.mu.Unlock()
}

// Lookup returns the component registered under T.
func Lookup[T any](c *Components) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	v, ok := c.items[reflect.TypeFor[T]()]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Component is Lookup on the locator of an execution context.
func Component[T any](ec *ExecutionContext) (T, bool) {
	return Lookup[T](ec.components)
}
