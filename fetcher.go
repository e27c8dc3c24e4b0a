// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/rdb"
)

// Work is one unit of work handed to a processor: the raw envelope payload
// and the live queue it was fetched from. The payload sits in the fetching
// process's in-flight list until it is acked or requeued.
type Work struct {
	Payload []byte
	Queue   string
}

// A Fetcher pulls work units off the configured queues.
//
// Fetch blocks up to the fetch timeout and returns (nil, nil) when no queue
// had an item; after Shutdown it returns (nil, nil) immediately. The default
// implementation moves each fetched payload into a per-process in-flight
// list so a crashed process's work can be recovered.
type Fetcher interface {
	Fetch() (*Work, error)
	Ack(ctx context.Context, w *Work) error

	// RequeueAll moves all in-flight items owned by this process back to
	// the tail of their source queues. It returns the number moved.
	RequeueAll(ctx context.Context) (int64, error)

	// Shutdown makes all subsequent Fetch calls return no work immediately.
	Shutdown()
}

// fetcher is the broker-backed Fetcher with two ordering policies:
// strict declared order, or weighted random where duplicate queue names
// raise a queue's chance of being probed first.
type fetcher struct {
	broker   base.Broker
	identity string
	queues   []string
	strict   bool

	mu   sync.Mutex
	done bool
}

type fetcherParams struct {
	broker   base.Broker
	identity string
	queues   []string
	strict   bool
}

func newFetcher(params fetcherParams) *fetcher {
	queues := params.queues
	if len(queues) == 0 {
		queues = []string{base.DefaultQueueName}
	}
	return &fetcher{
		broker:   params.broker,
		identity: params.identity,
		queues:   queues,
		strict:   params.strict,
	}
}

func (f *fetcher) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// queueOrder returns the probe order for one fetch: the declared order under
// the strict policy, otherwise a fresh shuffle of the full weighted list
// deduplicated to first occurrences.
func (f *fetcher) queueOrder() []string {
	if f.strict {
		return uniq(f.queues)
	}
	shuffled := make([]string, len(f.queues))
	copy(shuffled, f.queues)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return uniq(shuffled)
}

func uniq(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (f *fetcher) Fetch() (*Work, error) {
	if f.stopped() {
		return nil, nil
	}
	payload, qname, err := f.broker.Dequeue(f.identity, f.queueOrder()...)
	if errors.Is(err, rdb.ErrNoProcessableJob) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Work{Payload: payload, Queue: qname}, nil
}

func (f *fetcher) Ack(ctx context.Context, w *Work) error {
	return f.broker.Ack(ctx, f.identity, w.Queue, w.Payload)
}

func (f *fetcher) RequeueAll(ctx context.Context) (int64, error) {
	return f.broker.Requeue(ctx, f.identity, uniq(f.queues))
}

func (f *fetcher) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = true
}
