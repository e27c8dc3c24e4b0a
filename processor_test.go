// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorHarness struct {
	processor *processor
	broker    *fakeBroker
	fetcher   *fakeFetcher
	registry  *Registry
	busy      atomic.Int64

	mu      sync.Mutex
	errors  []error
	stopped int
	died    int
}

func newProcessorHarness(t *testing.T) *processorHarness {
	t.Helper()
	h := &processorHarness{
		broker:   newFakeBroker(),
		fetcher:  &fakeFetcher{},
		registry: NewRegistry(),
	}
	retry := newRetryEngine(retryEngineParams{
		logger: testLogger(),
		broker: h.broker,
		clock:  timeutil.NewSimulatedClock(time.Now()),
	})
	retry.randInt = func(n int) int { return 0 }
	h.processor = newProcessor(processorParams{
		logger:   testLogger(),
		fetcher:  h.fetcher,
		registry: h.registry,
		retry:    retry,
		chain:    NewMiddlewareChain(),
		errHandlers: []ErrorHandler{
			ErrorHandlerFunc(func(ctx context.Context, job *Job, err error) {
				h.mu.Lock()
				h.errors = append(h.errors, err)
				h.mu.Unlock()
			}),
		},
		busy: &h.busy,
		onStopped: func(p *processor) {
			h.mu.Lock()
			h.stopped++
			h.mu.Unlock()
		},
		onDied: func(p *processor, err error) {
			h.mu.Lock()
			h.died++
			h.mu.Unlock()
		},
	})
	return h
}

func (h *processorHarness) reportedErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]error, len(h.errors))
	copy(out, h.errors)
	return out
}

func workFor(msg *base.JobMessage) *Work {
	return &Work{Payload: encodeTestMessage(msg), Queue: msg.Queue}
}

func TestProcessorSuccessAcks(t *testing.T) {
	h := newProcessorHarness(t)

	var performed bool
	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		performed = true
		return nil
	})
	h.processor.process(workFor(testMessage("OkWorker")))

	assert.True(t, performed)
	assert.Len(t, h.fetcher.ackedWork(), 1)
	assert.Empty(t, h.broker.retriedMessages())
	assert.Empty(t, h.reportedErrors())
}

func TestProcessorFailureRetriesAndAcks(t *testing.T) {
	h := newProcessorHarness(t)

	h.registry.RegisterFunc("FailWorker", func(ctx context.Context, args []interface{}) error {
		return errors.New("boom")
	})
	h.processor.process(workFor(testMessage("FailWorker")))

	// The retry engine recorded the failure; the unit leaves the in-flight
	// list and no duplicate error report fires.
	assert.Len(t, h.broker.retriedMessages(), 1)
	assert.Len(t, h.fetcher.ackedWork(), 1)
	assert.Empty(t, h.reportedErrors())
}

func TestProcessorUnknownClassRetriesAndAcks(t *testing.T) {
	h := newProcessorHarness(t)

	h.processor.process(workFor(testMessage("NoSuchWorker")))

	retried := h.broker.retriedMessages()
	require.Len(t, retried, 1)
	assert.Equal(t, "anvilq.UnknownWorkerError", retried[0].msg.ErrorClass)
	assert.Len(t, h.fetcher.ackedWork(), 1)
}

func TestProcessorMalformedPayloadAcked(t *testing.T) {
	h := newProcessorHarness(t)

	h.processor.process(&Work{Payload: []byte("[1,2,3]"), Queue: "default"})

	assert.Len(t, h.fetcher.ackedWork(), 1)
	assert.Empty(t, h.broker.retriedMessages())
	require.Len(t, h.reportedErrors(), 1)
}

func TestProcessorWorkerPanicRetries(t *testing.T) {
	h := newProcessorHarness(t)

	h.registry.RegisterFunc("PanicWorker", func(ctx context.Context, args []interface{}) error {
		panic("kaboom")
	})
	h.processor.process(workFor(testMessage("PanicWorker")))

	retried := h.broker.retriedMessages()
	require.Len(t, retried, 1)
	assert.Equal(t, "panic", retried[0].msg.ErrorClass)
	assert.Len(t, h.fetcher.ackedWork(), 1)
}

func TestProcessorKillLeavesWorkInFlight(t *testing.T) {
	h := newProcessorHarness(t)

	started := make(chan struct{})
	h.registry.RegisterFunc("BlockingWorker", func(ctx context.Context, args []interface{}) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.processor.process(workFor(testMessage("BlockingWorker")))
	}()
	<-started
	h.processor.kill(false)
	<-done

	// An interrupted job is neither acked nor recorded as a failure.
	assert.Empty(t, h.fetcher.ackedWork())
	assert.Empty(t, h.broker.retriedMessages())
	assert.Empty(t, h.broker.killedMessages())
}

func TestProcessorJobMetadataInContext(t *testing.T) {
	h := newProcessorHarness(t)

	var gotID, gotClass, gotQueue string
	var gotCount int
	h.registry.RegisterFunc("MetaWorker", func(ctx context.Context, args []interface{}) error {
		gotID, _ = GetJobID(ctx)
		gotClass, _ = GetClass(ctx)
		gotQueue, _ = GetQueueName(ctx)
		gotCount, _ = GetRetryCount(ctx)
		return nil
	})

	count := 3
	msg := testMessage("MetaWorker")
	msg.RetryCount = &count
	h.processor.process(workFor(msg))

	assert.Equal(t, msg.ID, gotID)
	assert.Equal(t, "MetaWorker", gotClass)
	assert.Equal(t, "default", gotQueue)
	assert.Equal(t, 3, gotCount)
}

func TestProcessorMiddlewareWrapsExecution(t *testing.T) {
	h := newProcessorHarness(t)

	var order []string
	h.processor.chain.Add("outer", func() Middleware {
		return MiddlewareFunc(func(ctx context.Context, w Worker, job *Job, next NextFunc) error {
			order = append(order, "before")
			err := next(ctx)
			order = append(order, "after")
			return err
		})
	})
	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		order = append(order, "perform")
		return nil
	})
	h.processor.process(workFor(testMessage("OkWorker")))

	assert.Equal(t, []string{"before", "perform", "after"}, order)
	assert.Len(t, h.fetcher.ackedWork(), 1)
}

func TestProcessorMiddlewareShortCircuitAcks(t *testing.T) {
	h := newProcessorHarness(t)

	h.processor.chain.Add("gate", func() Middleware {
		return MiddlewareFunc(func(ctx context.Context, w Worker, job *Job, next NextFunc) error {
			return nil // drop the job without running it
		})
	})
	var performed bool
	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		performed = true
		return nil
	})
	h.processor.process(workFor(testMessage("OkWorker")))

	assert.False(t, performed)
	assert.Len(t, h.fetcher.ackedWork(), 1)
	assert.Empty(t, h.broker.retriedMessages())
}

func TestProcessorReloaderWrapsEachJob(t *testing.T) {
	h := newProcessorHarness(t)

	var wrapped int
	h.processor.reloader = func(fn func() error) error {
		wrapped++
		return fn()
	}
	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		return nil
	})
	h.processor.process(workFor(testMessage("OkWorker")))
	h.processor.process(workFor(testMessage("OkWorker")))

	assert.Equal(t, 2, wrapped)
}

func TestProcessorRunStopsAtLoopBoundary(t *testing.T) {
	h := newProcessorHarness(t)
	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		return nil
	})
	h.fetcher.pending = []*Work{workFor(testMessage("OkWorker"))}

	h.processor.start()
	require.Eventually(t, func() bool {
		return len(h.fetcher.ackedWork()) == 1
	}, time.Second, 5*time.Millisecond)

	h.processor.terminate(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.stopped)
	assert.Equal(t, 0, h.died)
}

func TestProcessorIdlesWhenFetcherYieldsNoWork(t *testing.T) {
	h := newProcessorHarness(t)
	// The fake fetcher returns (nil, nil) immediately, the same shape a
	// stopped fetcher produces. The loop must yield between attempts
	// instead of spinning.
	h.processor.start()
	time.Sleep(100 * time.Millisecond)
	h.processor.terminate(true)

	n := h.fetcher.fetchCount()
	assert.Greater(t, n, 0)
	assert.Less(t, n, 50, "loop fetched %d times in 100ms; it must sleep between empty fetches", n)
}

func TestProcessorBusyCountRestored(t *testing.T) {
	h := newProcessorHarness(t)

	h.registry.RegisterFunc("OkWorker", func(ctx context.Context, args []interface{}) error {
		assert.Equal(t, int64(1), h.busy.Load())
		return nil
	})
	h.processor.process(workFor(testMessage("OkWorker")))
	assert.Equal(t, int64(0), h.busy.Load())
}
