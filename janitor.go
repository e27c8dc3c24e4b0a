// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"sync"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/timeutil"
)

const defaultJanitorInterval = 8 * time.Second

// janitor is responsible for periodically trimming the dead set to its age
// and count caps. Insertion already trims, so this only matters for sets
// that stopped receiving deaths.
type janitor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration
}

type janitorParams struct {
	logger   *log.Logger
	broker   base.Broker
	clock    timeutil.Clock
	interval time.Duration
}

func newJanitor(params janitorParams) *janitor {
	interval := params.interval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	return &janitor{
		logger:   params.logger,
		broker:   params.broker,
		clock:    params.clock,
		done:     make(chan struct{}),
		interval: interval,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	if err := j.broker.TrimDead(context.Background(), j.clock.Now()); err != nil {
		j.logger.Errorf("Failed to trim dead set: %v", err)
	}
}
