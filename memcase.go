package epsilon

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rawbytedev/epsilon/pkg/mem"
)

// Case binds a deserialized value to the backend its memory comes from.
// The value may point into the backend, so it is only reachable through
// the Case and the backend is released only by Close.
//
// Any number of goroutines may call Get and With concurrently. Close
// waits for running With calls. Pointers obtained from Get must not be
// used after Close; With is the checked alternative.
type Case[T any] struct {
	s *caseState[T]
}

type caseState[T any] struct {
	mu      sync.RWMutex
	value   *T
	backend mem.Backend
	owner   *Case[T]
	closed  bool
}

func newCase[T any](v *T, b mem.Backend) *Case[T] {
	c := &Case[T]{s: &caseState[T]{value: v, backend: b}}
	c.s.owner = c
	return c
}

// Encase wraps a value that owns all its memory.
func Encase[T any](v T) *Case[T] {
	return newCase(&v, mem.None())
}

// Eps ε-copy deserializes the stream at the start of b and wraps the
// result. On failure b is closed.
func Eps[T any](b mem.Backend) (*Case[T], error) {
	v, _, err := DeserializeEps[T](b.Bytes())
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return newCase(v, b), nil
}

// check reports why c cannot be used. The caller holds a lock.
func (c *Case[T]) check() error {
	if c.s.owner != c {
		return ErrMoved
	}
	if c.s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value. It panics if the Case was closed or moved.
func (c *Case[T]) Get() *T {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.check(); err != nil {
		panic(fmt.Sprintf("epsilon: Get: %v", err))
	}
	return c.s.value
}

// With calls fn with the value while holding off Close.
func (c *Case[T]) With(fn func(*T) error) error {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.check(); err != nil {
		return err
	}
	return fn(c.s.value)
}

// Move transfers ownership to a new Case. The receiver can no longer be
// used, and closing it is a no-op that reports ErrMoved.
func (c *Case[T]) Move() *Case[T] {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.check(); err != nil {
		panic(fmt.Sprintf("epsilon: Move: %v", err))
	}
	nc := &Case[T]{s: c.s}
	c.s.owner = nc
	return nc
}

// Backend returns the backend the value lives in, or mem.None once the
// handle was closed or moved.
func (c *Case[T]) Backend() mem.Backend {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if c.s.owner != c || c.s.closed {
		return mem.None()
	}
	return c.s.backend
}

// Close drops the value and releases the backend. Closing again is a
// no-op.
func (c *Case[T]) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.owner != c {
		return ErrMoved
	}
	if c.s.closed {
		return nil
	}
	c.s.closed = true
	c.s.value = nil
	return c.s.backend.Close()
}

// LoadFull reads one stream of T from the file at path with full-copy
// deserialization.
func LoadFull[T any](path string) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Join(ErrIO, err)
	}
	defer f.Close()
	return DeserializeFull[T](bufio.NewReader(f))
}

// LoadMem copies the file at path into aligned heap memory and ε-copy
// deserializes it.
func LoadMem[T any](path string) (*Case[T], error) {
	h, err := mem.LoadFile(path)
	if err != nil {
		return nil, errors.Join(ErrIO, err)
	}
	return Eps[T](h)
}

// LoadMmap copies the file at path into a read-only anonymous map and
// ε-copy deserializes it. Later changes to the file are not seen.
func LoadMmap[T any](path string, flags mem.Flags) (*Case[T], error) {
	m, err := mem.ReadFile(path, flags)
	if err != nil {
		return nil, mapErr(err)
	}
	return Eps[T](m)
}

// Mmap maps the file at path read-only and ε-copy deserializes it. The
// file must not be modified while the Case is open.
func Mmap[T any](path string, flags mem.Flags) (*Case[T], error) {
	m, err := mem.MapFile(path, flags)
	if err != nil {
		return nil, mapErr(err)
	}
	return Eps[T](m)
}

func mapErr(err error) error {
	if errors.Is(err, mem.ErrUnsupportedPlatform) {
		return err
	}
	return errors.Join(ErrIO, err)
}
