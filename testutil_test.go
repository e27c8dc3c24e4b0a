// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"sync"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/rdb"
)

func testLogger() *log.Logger {
	return log.NewLogger(nil)
}

// timedMessage is a job message paired with the time of its state transition.
type timedMessage struct {
	msg *base.JobMessage
	at  time.Time
}

// fakeBroker is an in-memory base.Broker recording every state transition.
type fakeBroker struct {
	mu sync.Mutex

	pushed    []*base.JobMessage
	scheduled []timedMessage
	retried   []timedMessage
	killed    []timedMessage

	// queued payloads per queue name, consumed by Dequeue in FIFO order.
	queued map[string][][]byte

	acked        [][]byte
	requeued     int64
	orphaned     int64
	trimmed      int
	processCount int64

	dequeueErr error
	retryErr   error
	killErr    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queued: make(map[string][][]byte)}
}

func (b *fakeBroker) Ping() error  { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) Push(ctx context.Context, msg *base.JobMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushed = append(b.pushed, msg)
	return nil
}

func (b *fakeBroker) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, timedMessage{msg: msg, at: processAt})
	return nil
}

func (b *fakeBroker) Dequeue(identity string, qnames ...string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dequeueErr != nil {
		return nil, "", b.dequeueErr
	}
	for _, qname := range qnames {
		if payloads := b.queued[qname]; len(payloads) > 0 {
			payload := payloads[0]
			b.queued[qname] = payloads[1:]
			return payload, qname, nil
		}
	}
	return nil, "", rdb.ErrNoProcessableJob
}

func (b *fakeBroker) Ack(ctx context.Context, identity, qname string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, payload)
	return nil
}

func (b *fakeBroker) Requeue(ctx context.Context, identity string, qnames []string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requeued, nil
}

func (b *fakeBroker) RequeueOrphaned(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orphaned, nil
}

func (b *fakeBroker) Retry(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retryErr != nil {
		return b.retryErr
	}
	b.retried = append(b.retried, timedMessage{msg: msg, at: processAt})
	return nil
}

func (b *fakeBroker) Kill(ctx context.Context, msg *base.JobMessage, diedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.killErr != nil {
		return b.killErr
	}
	b.killed = append(b.killed, timedMessage{msg: msg, at: diedAt})
	return nil
}

func (b *fakeBroker) TrimDead(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimmed++
	return nil
}

func (b *fakeBroker) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, tm := range b.scheduled {
		if !tm.at.After(now) {
			n++
		}
	}
	return n, nil
}

func (b *fakeBroker) WriteProcessState(ctx context.Context, info *base.ProcessInfo, ttl time.Duration) error {
	return nil
}

func (b *fakeBroker) ClearProcessState(ctx context.Context, identity string) error {
	return nil
}

func (b *fakeBroker) ProcessCount(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processCount, nil
}

func (b *fakeBroker) retriedMessages() []timedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]timedMessage, len(b.retried))
	copy(out, b.retried)
	return out
}

func (b *fakeBroker) killedMessages() []timedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]timedMessage, len(b.killed))
	copy(out, b.killed)
	return out
}

func (b *fakeBroker) ackedPayloads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.acked))
	copy(out, b.acked)
	return out
}

// fakeFetcher hands out a fixed sequence of work units.
type fakeFetcher struct {
	mu       sync.Mutex
	pending  []*Work
	acked    []*Work
	requeued int64
	stopped  bool
	fetches  int
	fetchErr error
}

func (f *fakeFetcher) Fetch() (*Work, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.stopped || len(f.pending) == 0 {
		return nil, nil
	}
	w := f.pending[0]
	f.pending = f.pending[1:]
	return w, nil
}

func (f *fakeFetcher) Ack(ctx context.Context, w *Work) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, w)
	return nil
}

func (f *fakeFetcher) RequeueAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requeued, nil
}

func (f *fakeFetcher) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeFetcher) ackedWork() []*Work {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Work, len(f.acked))
	copy(out, f.acked)
	return out
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeFetcher) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// encodeTestMessage marshals msg, panicking on failure. Test payloads are
// always well formed.
func encodeTestMessage(msg *base.JobMessage) []byte {
	b, err := base.EncodeMessage(msg)
	if err != nil {
		panic(err)
	}
	return b
}
