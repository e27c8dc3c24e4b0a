// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/timeutil"
	"github.com/google/uuid"
)

const (
	beatInterval = 5 * time.Second

	// expiry on the process info entry; a process that misses this many
	// beats is considered dead and its in-flight work becomes recoverable.
	processTTL = 60 * time.Second
)

// identity returns the registry identity for this process:
// hostname, pid, and a per-server random nonce.
func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// heartbeater periodically writes this process's registry entry so that the
// fleet can size poll intervals and recover in-flight work from processes
// that stopped beating.
type heartbeater struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	interval time.Duration

	identity    string
	host        string
	pid         int
	concurrency int
	queues      []string
	strict      bool
	startedAt   time.Time

	// reports the number of currently executing jobs.
	busy func() int

	// reports whether the server has stopped pulling new work.
	quiet func() bool
}

type heartbeaterParams struct {
	logger      *log.Logger
	broker      base.Broker
	clock       timeutil.Clock
	interval    time.Duration
	identity    string
	concurrency int
	queues      []string
	strict      bool
	busy        func() int
	quiet       func() bool
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	interval := params.interval
	if interval <= 0 {
		interval = beatInterval
	}
	return &heartbeater{
		logger:      params.logger,
		broker:      params.broker,
		clock:       params.clock,
		done:        make(chan struct{}),
		interval:    interval,
		identity:    params.identity,
		host:        host,
		pid:         os.Getpid(),
		concurrency: params.concurrency,
		queues:      params.queues,
		strict:      params.strict,
		busy:        params.busy,
		quiet:       params.quiet,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	h.startedAt = h.clock.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.beat()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				h.deregister()
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return
			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)
			}
		}
	}()
}

func (h *heartbeater) beat() {
	info := &base.ProcessInfo{
		Host:        h.host,
		PID:         h.pid,
		Identity:    h.identity,
		Concurrency: h.concurrency,
		Queues:      h.queues,
		Strict:      h.strict,
		StartedAt:   float64(h.startedAt.UnixNano()) / 1e9,
		Busy:        h.busy(),
		Quiet:       h.quiet(),
	}
	if err := h.broker.WriteProcessState(context.Background(), info, processTTL); err != nil {
		h.logger.Errorf("Failed to write process state: %v", err)
	}
}

// deregister removes this process from the registry so its identity does not
// linger until the TTL runs out.
func (h *heartbeater) deregister() {
	if err := h.broker.ClearProcessState(context.Background(), h.identity); err != nil {
		h.logger.Errorf("Failed to clear process state: %v", err)
	}
}
