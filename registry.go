package epsilon

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// registry caches descriptors per reflect.Type.
type registry struct {
	mu    sync.RWMutex
	types map[reflect.Type]*TypeDescriptor
}

var types = &registry{types: make(map[reflect.Type]*TypeDescriptor)}

func (r *registry) get(t reflect.Type) (*TypeDescriptor, error) {
	return r.build(t, nil)
}

// build returns the cached descriptor of t or describes it. visiting
// holds the enclosing types being described, to refuse recursive types.
func (r *registry) build(t reflect.Type, visiting []reflect.Type) (*TypeDescriptor, error) {
	r.mu.RLock()
	if d, ok := r.types[t]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	r.mu.RUnlock()

	if slices.Contains(visiting, t) {
		return nil, fmt.Errorf("%w: %s refers to itself", ErrUnsupported, t)
	}
	visiting = append(visiting, t)

	// Nested types are resolved through build as well, so the descriptor
	// is made without holding the lock. Two goroutines may describe the
	// same type; the first stored wins and both results are identical.
	d, err := describe(t, func(c reflect.Type) (*TypeDescriptor, error) {
		return r.build(c, visiting)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check
	if prev, ok := r.types[t]; ok {
		return prev, nil
	}
	r.types[t] = d
	return d, nil
}

// Describe returns the descriptor of t, building and caching it on first
// use. Types holding maps, interfaces, channels or functions fail with
// ErrUnsupported, and so do types that contain themselves. A pointer is
// an optional value: nil or the value it points to.
func Describe(t reflect.Type) (*TypeDescriptor, error) {
	return types.get(t)
}

// Register returns the descriptor of T. Calling it ahead of time moves
// the reflection cost out of the first Serialize or Deserialize call.
func Register[T any]() (*TypeDescriptor, error) {
	return types.get(reflect.TypeFor[T]())
}
