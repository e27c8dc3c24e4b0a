// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"golang.org/x/time/rate"
)

// processorState denotes the lifecycle state of a processor.
type processorState int

const (
	procStateCreated processorState = iota
	procStateRunning
	procStateStopping
	procStateStopped
	procStateDied
)

const (
	// back-off applied after a fetch error before the loop retries.
	fetchErrorBackoff = 1 * time.Second

	// idle yield when a fetch returns no work without blocking, so a
	// drained or quieted fetcher does not spin the loop.
	idleBackoff = 10 * time.Millisecond
)

// processor owns one worker goroutine running the fetch-run-ack loop.
// It notifies its manager of either a normal stop or a death exactly once.
type processor struct {
	logger      *log.Logger
	fetcher     Fetcher
	registry    *Registry
	retry       *retryEngine
	chain       *MiddlewareChain
	errHandlers []ErrorHandler
	reloader    Reloader
	baseCtxFn   func() context.Context

	// count of jobs currently executing across the whole pool,
	// shared with the heartbeater.
	busy *atomic.Int64

	// throttles repeated fetch-error logs.
	errLogLimiter *rate.Limiter

	mu    sync.Mutex
	state processorState

	// closed to request a stop at the next loop boundary.
	quit     chan struct{}
	quitOnce sync.Once
	// closed when the worker goroutine has exited.
	doneCh chan struct{}

	// cancelled by kill; checked by handlers through their context.
	killCtx context.Context
	killFn  context.CancelFunc

	notifyOnce sync.Once
	onStopped  func(*processor)
	onDied     func(*processor, error)
}

type processorParams struct {
	logger      *log.Logger
	fetcher     Fetcher
	registry    *Registry
	retry       *retryEngine
	chain       *MiddlewareChain
	errHandlers []ErrorHandler
	reloader    Reloader
	baseCtxFn   func() context.Context
	busy        *atomic.Int64
	onStopped   func(*processor)
	onDied      func(*processor, error)
}

func newProcessor(params processorParams) *processor {
	reloader := params.reloader
	if reloader == nil {
		reloader = func(fn func() error) error { return fn() }
	}
	baseCtxFn := params.baseCtxFn
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	killCtx, killFn := context.WithCancel(context.Background())
	return &processor{
		logger:        params.logger,
		fetcher:       params.fetcher,
		registry:      params.registry,
		retry:         params.retry,
		chain:         params.chain,
		errHandlers:   params.errHandlers,
		reloader:      reloader,
		baseCtxFn:     baseCtxFn,
		busy:          params.busy,
		errLogLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		state:         procStateCreated,
		quit:          make(chan struct{}),
		doneCh:        make(chan struct{}),
		killCtx:       killCtx,
		killFn:        killFn,
		onStopped:     params.onStopped,
		onDied:        params.onDied,
	}
}

func (p *processor) setState(s processorState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *processor) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// start spawns the worker goroutine and transitions the processor to running.
func (p *processor) start() {
	p.setState(procStateRunning)
	go p.run()
}

func (p *processor) run() {
	defer close(p.doneCh)
	defer func() {
		if v := recover(); v != nil {
			p.setState(procStateDied)
			p.notifyOnce.Do(func() {
				p.onDied(p, fmt.Errorf("processor loop panicked: %v", v))
			})
		}
	}()
	for {
		if p.stopping() {
			break
		}
		w, err := p.fetcher.Fetch()
		if err != nil {
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Failed to fetch work: %v", err)
			}
			p.pause(fetchErrorBackoff)
			continue
		}
		if w == nil {
			p.pause(idleBackoff)
			continue
		}
		p.process(w)
	}
	p.setState(procStateStopped)
	p.notifyOnce.Do(func() { p.onStopped(p) })
}

// pause sleeps up to d, returning early when a stop is requested.
func (p *processor) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.quit:
	case <-t.C:
	}
}

// process runs one work unit through the middleware chain and worker,
// wrapped in the retry engine. Every call is its own crash domain: no error
// escapes back into the loop.
func (p *processor) process(w *Work) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	msg, err := base.DecodeMessage(w.Payload)
	if err != nil {
		p.reportError(nil, fmt.Errorf("cannot decode job payload: %w", err))
		p.ack(w)
		return
	}

	ctx, cancel := context.WithCancel(p.baseCtxFn())
	defer cancel()
	stop := context.AfterFunc(p.killCtx, cancel)
	defer stop()
	ctx = withJobMetadata(ctx, msg, w.Queue)

	err = p.retry.withGlobalRetry(ctx, msg, w.Queue, func() error {
		return p.reloader(func() error {
			wkr, err := p.registry.make(msg.Class)
			if err != nil {
				return err
			}
			return p.retry.withLocalRetry(ctx, wkr, msg, w.Queue, func() error {
				job := newJobFromMessage(msg, w.Queue)
				return p.chain.Invoke(ctx, wkr, job, func(ctx context.Context) error {
					return p.perform(ctx, wkr, msg)
				})
			})
		})
	})
	switch {
	case err == nil:
		p.ack(w)
	case isShutdown(err):
		// Leave the unit in the in-flight list; the shutdown drain or a
		// recovery sweep will requeue it.
	case errors.Is(err, ErrHandled) || errors.Is(err, ErrSkip):
		// The retry engine already recorded the failure.
		p.ack(w)
	default:
		p.reportError(newJobFromMessage(msg, w.Queue), err)
		p.ack(w)
	}
}

// perform runs the worker. An error surfacing after a hard kill was
// requested is attributed to the shutdown, not the job.
func (p *processor) perform(ctx context.Context, w Worker, msg *base.JobMessage) error {
	err := w.Perform(ctx, msg.Args)
	if err != nil && p.killCtx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrShutdown, safeErrorMessage(err))
	}
	return err
}

func (p *processor) ack(w *Work) {
	if err := p.fetcher.Ack(context.Background(), w); err != nil {
		p.logger.Errorf("Failed to ack work from queue %q: %v", w.Queue, err)
	}
}

// reportError runs every registered error handler, isolating each so a
// panicking handler cannot abort the loop or the remaining handlers.
func (p *processor) reportError(job *Job, err error) {
	p.logger.Errorf("Job execution failed: %v", err)
	for _, h := range p.errHandlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					p.logger.Errorf("Error handler panicked: %v", v)
				}
			}()
			h.HandleError(context.Background(), job, err)
		}()
	}
}

// terminate requests a stop at the next loop boundary,
// optionally waiting for the worker goroutine to exit.
func (p *processor) terminate(wait bool) {
	p.mu.Lock()
	if p.state == procStateRunning {
		p.state = procStateStopping
	}
	p.mu.Unlock()
	p.quitOnce.Do(func() { close(p.quit) })
	if wait {
		<-p.doneCh
	}
}

// kill requests a stop and cancels the in-flight execution's context,
// optionally waiting for the worker goroutine to exit.
func (p *processor) kill(wait bool) {
	p.terminate(false)
	p.killFn()
	if wait {
		<-p.doneCh
	}
}
