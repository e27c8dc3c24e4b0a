// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcherStrictOrder(t *testing.T) {
	f := newFetcher(fetcherParams{
		broker:   newFakeBroker(),
		identity: "host:1:abc",
		queues:   []string{"critical", "critical", "default", "low", "default"},
		strict:   true,
	})
	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{"critical", "default", "low"}, f.queueOrder())
	}
}

func TestFetcherWeightedOrder(t *testing.T) {
	f := newFetcher(fetcherParams{
		broker:   newFakeBroker(),
		identity: "host:1:abc",
		queues:   []string{"critical", "critical", "critical", "default"},
	})

	firsts := make(map[string]int)
	for i := 0; i < 500; i++ {
		order := f.queueOrder()
		require.ElementsMatch(t, []string{"critical", "default"}, order)
		firsts[order[0]]++
	}
	// Three weight entries out of four: critical leads roughly 75% of
	// fetches; both orderings must appear.
	assert.Greater(t, firsts["critical"], firsts["default"])
	assert.Greater(t, firsts["default"], 0)
}

func TestFetcherDefaultQueue(t *testing.T) {
	f := newFetcher(fetcherParams{
		broker:   newFakeBroker(),
		identity: "host:1:abc",
	})
	assert.Equal(t, []string{"default"}, f.queueOrder())
}

func TestFetcherReturnsWork(t *testing.T) {
	broker := newFakeBroker()
	msg := testMessage("OkWorker")
	broker.queued["default"] = [][]byte{encodeTestMessage(msg)}

	f := newFetcher(fetcherParams{
		broker:   broker,
		identity: "host:1:abc",
		queues:   []string{"default"},
	})
	w, err := f.Fetch()
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "default", w.Queue)
	assert.Equal(t, encodeTestMessage(msg), w.Payload)
}

func TestFetcherEmptyQueuesYieldNoWork(t *testing.T) {
	f := newFetcher(fetcherParams{
		broker:   newFakeBroker(),
		identity: "host:1:abc",
		queues:   []string{"default"},
	})
	w, err := f.Fetch()
	assert.NoError(t, err)
	assert.Nil(t, w)
}

func TestFetcherStoppedYieldsNoWork(t *testing.T) {
	broker := newFakeBroker()
	broker.queued["default"] = [][]byte{encodeTestMessage(testMessage("OkWorker"))}

	f := newFetcher(fetcherParams{
		broker:   broker,
		identity: "host:1:abc",
		queues:   []string{"default"},
	})
	f.Shutdown()

	w, err := f.Fetch()
	assert.NoError(t, err)
	assert.Nil(t, w)
}

func TestFetcherPropagatesBrokerError(t *testing.T) {
	broker := newFakeBroker()
	broker.dequeueErr = errors.New("connection refused")

	f := newFetcher(fetcherParams{
		broker:   broker,
		identity: "host:1:abc",
		queues:   []string{"default"},
	})
	w, err := f.Fetch()
	assert.Error(t, err)
	assert.Nil(t, w)
}

func TestFetcherAck(t *testing.T) {
	broker := newFakeBroker()
	f := newFetcher(fetcherParams{
		broker:   broker,
		identity: "host:1:abc",
		queues:   []string{"default"},
	})
	w := &Work{Payload: []byte(`{"class":"X"}`), Queue: "default"}
	require.NoError(t, f.Ack(context.Background(), w))
	require.Len(t, broker.ackedPayloads(), 1)
	assert.Equal(t, w.Payload, broker.ackedPayloads()[0])
}

func TestFetcherRequeueAll(t *testing.T) {
	broker := newFakeBroker()
	broker.requeued = 4
	f := newFetcher(fetcherParams{
		broker:   broker,
		identity: "host:1:abc",
		queues:   []string{"critical", "critical", "default"},
	})
	n, err := f.RequeueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
