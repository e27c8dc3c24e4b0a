// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/timeutil"
)

const defaultAveragePollInterval = 15 * time.Second

// poller is responsible for promoting jobs from the time-ordered retry and
// scheduled sets onto their live queues once they are due.
type poller struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "poller" goroutine.
	done chan struct{}

	// base poll interval before fleet scaling and jitter.
	avgInterval time.Duration

	// jitter source, injectable for deterministic tests.
	randFloat func() float64
}

type pollerParams struct {
	logger      *log.Logger
	broker      base.Broker
	clock       timeutil.Clock
	avgInterval time.Duration
}

func newPoller(params pollerParams) *poller {
	avg := params.avgInterval
	if avg <= 0 {
		avg = defaultAveragePollInterval
	}
	return &poller{
		logger:      params.logger,
		broker:      params.broker,
		clock:       params.clock,
		done:        make(chan struct{}),
		avgInterval: avg,
		randFloat:   rand.Float64,
	}
}

func (p *poller) shutdown() {
	p.logger.Debug("Poller shutting down...")
	// Signal the poller goroutine to stop.
	p.done <- struct{}{}
}

func (p *poller) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(p.interval())
		for {
			select {
			case <-p.done:
				p.logger.Debug("Poller done")
				timer.Stop()
				return
			case <-timer.C:
				p.exec()
				timer.Reset(p.interval())
			}
		}
	}()
}

// interval computes the next poll delay. The base interval scales with the
// number of live processes in the registry so that the fleet as a whole
// polls at a roughly constant rate, then gets a uniform jitter to keep
// processes from ticking in lockstep. Registry errors fall back to the
// unscaled base.
func (p *poller) interval() time.Duration {
	count, err := p.broker.ProcessCount(context.Background())
	if err != nil || count < 1 {
		count = 1
	}
	avg := p.avgInterval * time.Duration(count)
	return avg/2 + time.Duration(p.randFloat()*float64(avg))
}

func (p *poller) exec() {
	n, err := p.broker.PromoteDue(context.Background(), p.clock.Now())
	if err != nil {
		p.logger.Errorf("Failed to promote due jobs: %v", err)
		return
	}
	if n > 0 {
		p.logger.Debugf("Promoted %d due job(s)", n)
	}
}
