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
)

const defaultRecovererInterval = 1 * time.Minute

// recoverer periodically sweeps for in-flight lists whose owning process is
// no longer in the registry and requeues their payloads, so that work held
// by a crashed process is eventually executed by another one.
type recoverer struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// interval between recovery sweeps.
	interval time.Duration
}

type recovererParams struct {
	logger   *log.Logger
	broker   base.Broker
	interval time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	interval := params.interval
	if interval <= 0 {
		interval = defaultRecovererInterval
	}
	return &recoverer{
		logger:   params.logger,
		broker:   params.broker,
		done:     make(chan struct{}),
		interval: interval,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.exec()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) exec() {
	n, err := r.broker.RequeueOrphaned(context.Background())
	if err != nil {
		r.logger.Errorf("Failed to requeue orphaned in-flight jobs: %v", err)
		return
	}
	if n > 0 {
		r.logger.Infof("Recovered %d orphaned job(s)", n)
	}
}
