// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"fmt"
	"sync"
)

// NextFunc continues the middleware chain. The context passed down is the
// one deeper interceptors and the terminal action receive.
type NextFunc func(ctx context.Context) error

// A Middleware intercepts the execution of every job. Call runs around the
// rest of the chain: code before invoking next runs on the way in, code
// after it runs on the way out. Not invoking next skips everything deeper
// in the chain, including the job itself; that is a first-class outcome,
// not an error.
type Middleware interface {
	Call(ctx context.Context, w Worker, job *Job, next NextFunc) error
}

// The MiddlewareFunc type is an adapter to allow the use of
// ordinary functions as a Middleware.
type MiddlewareFunc func(ctx context.Context, w Worker, job *Job, next NextFunc) error

// Call calls fn(ctx, w, job, next)
func (fn MiddlewareFunc) Call(ctx context.Context, w Worker, job *Job, next NextFunc) error {
	return fn(ctx, w, job, next)
}

// MiddlewareFactory produces a fresh interceptor instance per invocation.
type MiddlewareFactory func() Middleware

type chainEntry struct {
	name    string
	factory MiddlewareFactory
}

// MiddlewareChain is an ordered, composable collection of interceptor
// factories invoked around each job execution. Entries are identified by
// name; adding an entry with an existing name replaces it.
//
// Mutations are expected before workers start; Invoke always sees a
// consistent snapshot.
type MiddlewareChain struct {
	mu      sync.RWMutex
	entries []chainEntry
}

// NewMiddlewareChain returns an empty middleware chain.
func NewMiddlewareChain() *MiddlewareChain {
	return &MiddlewareChain{}
}

// indexOf returns the position of the named entry, or -1. Caller holds mu.
func (c *MiddlewareChain) indexOf(name string) int {
	for i, e := range c.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

// removeLocked deletes the named entry if present. Caller holds mu.
func (c *MiddlewareChain) removeLocked(name string) {
	if i := c.indexOf(name); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

// Add appends an entry to the chain, replacing any existing entry with the
// same name.
func (c *MiddlewareChain) Add(name string, factory MiddlewareFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	c.entries = append(c.entries, chainEntry{name: name, factory: factory})
}

// Prepend inserts an entry at the head of the chain, replacing any existing
// entry with the same name.
func (c *MiddlewareChain) Prepend(name string, factory MiddlewareFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	c.entries = append([]chainEntry{{name: name, factory: factory}}, c.entries...)
}

func (c *MiddlewareChain) insertAt(i int, name string, factory MiddlewareFactory) {
	entries := make([]chainEntry, 0, len(c.entries)+1)
	entries = append(entries, c.entries[:i]...)
	entries = append(entries, chainEntry{name: name, factory: factory})
	entries = append(entries, c.entries[i:]...)
	c.entries = entries
}

// InsertBefore inserts an entry immediately before the named anchor,
// replacing any existing entry with the same name first.
func (c *MiddlewareChain) InsertBefore(anchor, name string, factory MiddlewareFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	i := c.indexOf(anchor)
	if i < 0 {
		return fmt.Errorf("anvilq: middleware %q not found in chain", anchor)
	}
	c.insertAt(i, name, factory)
	return nil
}

// InsertAfter inserts an entry immediately after the named anchor,
// replacing any existing entry with the same name first.
func (c *MiddlewareChain) InsertAfter(anchor, name string, factory MiddlewareFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	i := c.indexOf(anchor)
	if i < 0 {
		return fmt.Errorf("anvilq: middleware %q not found in chain", anchor)
	}
	c.insertAt(i+1, name, factory)
	return nil
}

// Remove deletes the named entry; it is a no-op if the entry is absent.
func (c *MiddlewareChain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
}

// Clear removes all entries.
func (c *MiddlewareChain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Exists reports whether the chain contains an entry with the given name.
func (c *MiddlewareChain) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexOf(name) >= 0
}

// Count returns the number of entries in the chain.
func (c *MiddlewareChain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a read-only snapshot of the entry names in chain order.
func (c *MiddlewareChain) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Clone returns an independent copy of the chain; mutating one does not
// affect the other.
func (c *MiddlewareChain) Clone() *MiddlewareChain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &MiddlewareChain{entries: make([]chainEntry, len(c.entries))}
	copy(clone.entries, c.entries)
	return clone
}

// Invoke builds fresh interceptor instances from the chain snapshot,
// composes them inside-out so that each invokes the next, and runs the
// result with terminal at the deepest point. Entries run in list order on
// the way in and reverse order on the way out. If any interceptor does not
// invoke next, the terminal never runs.
func (c *MiddlewareChain) Invoke(ctx context.Context, w Worker, job *Job, terminal NextFunc) error {
	c.mu.RLock()
	snapshot := make([]chainEntry, len(c.entries))
	copy(snapshot, c.entries)
	c.mu.RUnlock()

	next := terminal
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i].factory()
		inner := next
		next = func(ctx context.Context) error {
			return m.Call(ctx, w, job, inner)
		}
	}
	return next(ctx)
}
