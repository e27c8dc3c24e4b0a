// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anvilq/anvilq/internal/log"
)

// manager owns the processor pool. It replaces processors that stop or die
// while the server is running and drives the coordinated shutdown protocol.
type manager struct {
	logger      *log.Logger
	fetcher     Fetcher
	concurrency int
	hardTimeout time.Duration
	errHandlers []ErrorHandler

	// shared dependencies handed to every processor.
	registry  *Registry
	retry     *retryEngine
	chain     *MiddlewareChain
	reloader  Reloader
	baseCtxFn func() context.Context

	busy atomic.Int64

	mu           sync.Mutex
	procs        map[*processor]bool
	shuttingDown bool

	// counts live processor goroutines for the shutdown join.
	wg sync.WaitGroup
}

type managerParams struct {
	logger      *log.Logger
	fetcher     Fetcher
	concurrency int
	hardTimeout time.Duration
	errHandlers []ErrorHandler
	registry    *Registry
	retry       *retryEngine
	chain       *MiddlewareChain
	reloader    Reloader
	baseCtxFn   func() context.Context
}

func newManager(params managerParams) *manager {
	return &manager{
		logger:      params.logger,
		fetcher:     params.fetcher,
		concurrency: params.concurrency,
		hardTimeout: params.hardTimeout,
		errHandlers: params.errHandlers,
		registry:    params.registry,
		retry:       params.retry,
		chain:       params.chain,
		reloader:    params.reloader,
		baseCtxFn:   params.baseCtxFn,
		procs:       make(map[*processor]bool),
	}
}

// activeCount returns the number of jobs currently executing in the pool.
func (m *manager) activeCount() int {
	return int(m.busy.Load())
}

// start spawns the configured number of processors.
func (m *manager) start() {
	for i := 0; i < m.concurrency; i++ {
		m.spawn()
	}
}

// spawn creates and starts one processor, registering it in the pool.
// It is a no-op once shutdown has begun.
func (m *manager) spawn() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	p := newProcessor(processorParams{
		logger:      m.logger,
		fetcher:     m.fetcher,
		registry:    m.registry,
		retry:       m.retry,
		chain:       m.chain,
		errHandlers: m.errHandlers,
		reloader:    m.reloader,
		baseCtxFn:   m.baseCtxFn,
		busy:        &m.busy,
		onStopped:   m.processorStopped,
		onDied:      m.processorDied,
	})
	m.procs[p] = true
	m.wg.Add(1)
	m.mu.Unlock()
	p.start()
}

// processorStopped handles a normal processor exit: the processor leaves
// the pool and, unless the manager is shutting down, a replacement starts.
func (m *manager) processorStopped(p *processor) {
	replace := m.removeProcessor(p)
	if replace {
		m.logger.Debug("Processor stopped, spawning a replacement")
		m.spawn()
	}
}

// processorDied handles an abnormal processor exit: the error is logged and
// reported, and the processor is replaced unless the manager is shutting down.
func (m *manager) processorDied(p *processor, err error) {
	m.logger.Errorf("Processor died: %v", err)
	for _, h := range m.errHandlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					m.logger.Errorf("Error handler panicked: %v", v)
				}
			}()
			h.HandleError(context.Background(), nil, err)
		}()
	}
	if m.removeProcessor(p) {
		m.spawn()
	}
}

// removeProcessor takes p out of the pool and reports whether it should be
// replaced.
func (m *manager) removeProcessor(p *processor) (replace bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.procs[p] {
		return false
	}
	delete(m.procs, p)
	m.wg.Done()
	return !m.shuttingDown
}

func (m *manager) snapshot() []*processor {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs := make([]*processor, 0, len(m.procs))
	for p := range m.procs {
		procs = append(procs, p)
	}
	return procs
}

// shutdown runs the graceful shutdown protocol: stop the fetcher, ask every
// processor to stop at its loop boundary, wait up to the hard timeout, hard
// kill the stragglers, join everything, then drain the in-flight lists back
// to their source queues.
func (m *manager) shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	m.mu.Unlock()

	m.logger.Debug("Manager shutting down...")
	// The hard timeout budget covers the whole shutdown, so the clock
	// starts before the fetcher stop and terminate requests.
	deadline := time.After(m.hardTimeout)
	m.fetcher.Shutdown()
	for _, p := range m.snapshot() {
		p.terminate(false)
	}

	joined := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-deadline:
		m.logger.Warnf("Hard shutdown: %d processor(s) still running after %v", len(m.snapshot()), m.hardTimeout)
		for _, p := range m.snapshot() {
			p.kill(false)
		}
		<-joined
	}

	n, err := m.fetcher.RequeueAll(context.Background())
	if err != nil {
		m.logger.Errorf("Failed to requeue in-flight work: %v", err)
	} else if n > 0 {
		m.logger.Infof("Requeued %d in-flight job(s)", n)
	}
	m.logger.Debug("Manager done")
}
