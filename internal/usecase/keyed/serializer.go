// Package keyed provides per-key serialization of operations.
package keyed

import (
	"fmt"
	"sync"
)

// Serializer chains operations per key so that at most one runs at a time
// for a given key, in submission order. Operations on different keys run
// concurrently. A failing operation never blocks the ones queued behind it.
//
// Each key maps to the done channel of the most recently submitted
// operation (the tail). A new operation swaps itself in as the tail and
// waits for the previous tail to close.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{tails: make(map[string]chan struct{})}
}

// Run executes op once every operation submitted earlier for key has
// finished. The error returned by op is returned to the caller only; the
// next operation in the chain starts regardless. A panic in op is
// converted to an error.
func (s *Serializer) Run(key string, op func() error) error {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.mu.Unlock()

	defer func() {
		close(done)
		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}
	return call(op)
}

// Do is Run for operations that produce a value.
func Do[T any](s *Serializer, key string, op func() (T, error)) (T, error) {
	var out T
	err := s.Run(key, func() error {
		v, err := op()
		out = v
		return err
	})
	return out, err
}

// Pending returns the number of keys with a live chain.
// Intended for testing.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}

func call(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keyed: operation panicked: %v", r)
		}
	}()
	return op()
}
