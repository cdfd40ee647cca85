// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// Registry is a pool of attached engines waiting for an owner.
//
// Engines are handed out oldest first. A Registry is owned by the host
// application; there is no package-level pool.
type Registry[T any] struct {
	mu      sync.Mutex
	free    []*Engine[T]
	claimed map[xid.ID]*Engine[T]
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{claimed: make(map[xid.ID]*Engine[T])}
}

// Register adds an unclaimed engine. Registering an engine twice returns
// [ErrInvalid].
func (r *Registry[T]) Register(e *Engine[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known(e.ID()) {
		return fmt.Errorf("%w: engine %s already registered", ErrInvalid, e.ID())
	}
	r.free = append(r.free, e)
	return nil
}

// Acquire claims the oldest unclaimed engine and binds onComplete to it.
// Returns [ErrNoDevice] when every engine is claimed.
func (r *Registry[T]) Acquire(onComplete CompletionFunc[T]) (*Engine[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return nil, ErrNoDevice
	}
	e := r.free[0]
	r.free[0] = nil
	r.free = r.free[1:]
	r.claimed[e.ID()] = e

	e.Bind(onComplete)
	return e, nil
}

// Release unbinds the callback of a claimed engine and returns it to the
// pool.
func (r *Registry[T]) Release(e *Engine[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[e.ID()]; !ok {
		return fmt.Errorf("%w: engine %s not claimed", ErrInvalid, e.ID())
	}
	delete(r.claimed, e.ID())
	e.Bind(nil)
	r.free = append(r.free, e)
	return nil
}

// Len returns the number of unclaimed engines.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// Close closes every engine in the registry, claimed or not, and empties it.
func (r *Registry[T]) Close() error {
	r.mu.Lock()
	all := r.free
	for _, e := range r.claimed {
		all = append(all, e)
	}
	r.free = nil
	r.claimed = make(map[xid.ID]*Engine[T])
	r.mu.Unlock()

	var errs []error
	for _, e := range all {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

func (r *Registry[T]) known(id xid.ID) bool {
	if _, ok := r.claimed[id]; ok {
		return true
	}
	for _, e := range r.free {
		if e.ID() == id {
			return true
		}
	}
	return false
}
