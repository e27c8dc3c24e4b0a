// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"fmt"
	"sync"
)

// A Worker performs jobs of one registered class.
//
// Perform should return nil if the processing of a job is successful.
// If Perform returns a non-nil error or panics, the job is retried after a
// delay while attempts remain, then moved to the dead set.
//
// A Worker may additionally implement any of the optional interfaces:
//
//	MaxRetry() int
//	    declares the worker's default attempt cap, consulted when the
//	    envelope carries no retry policy.
//
//	RetryIn(count int, err error) int
//	    computes a custom retry delay in seconds for the given completed
//	    attempt count; a non-positive result or a panic falls back to the
//	    default backoff formula.
//
//	RetriesExhausted(ctx context.Context, job *Job, err error)
//	    is invoked once when the job moves to the death path.
type Worker interface {
	Perform(ctx context.Context, args []interface{}) error
}

// The WorkerFunc type is an adapter to allow the use of
// ordinary functions as a Worker.
type WorkerFunc func(ctx context.Context, args []interface{}) error

// Perform calls fn(ctx, args)
func (fn WorkerFunc) Perform(ctx context.Context, args []interface{}) error {
	return fn(ctx, args)
}

// WorkerFactory constructs a fresh Worker instance for one job execution.
type WorkerFactory func() Worker

// UnknownWorkerError indicates that a job named a class with no registered factory.
type UnknownWorkerError struct {
	Class string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("anvilq: no worker registered for class %q", e.Class)
}

// Registry maps worker class names to factories. It is populated at startup
// and read-only once the server is running.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]WorkerFactory
}

// NewRegistry returns an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]WorkerFactory)}
}

// Register associates a worker factory with a class name,
// replacing any previous registration for the same name.
func (r *Registry) Register(class string, factory WorkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// RegisterFunc registers an ordinary function as the worker for a class name.
func (r *Registry) RegisterFunc(class string, fn WorkerFunc) {
	r.Register(class, func() Worker { return fn })
}

// make constructs a fresh worker instance for the given class.
// An unregistered class yields an UnknownWorkerError, which flows through
// the normal retry and death handling.
func (r *Registry) make(class string) (Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownWorkerError{Class: class}
	}
	return factory(), nil
}
