// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package anvilq provides a distributed background job processing engine backed by Redis.

Jobs are JSON envelopes naming a worker class and its positional arguments.
Clients push envelopes onto named queues; server processes pull them off,
construct the registered worker, and execute it through a user-extensible
middleware chain. Failed jobs are retried on an exponential backoff schedule
and, once their attempts are exhausted, parked in a dead set for inspection.
The wire format is interoperable with Sidekiq: envelopes written by one side
can be executed by the other.

# Features

  - At-least-once execution with per-process in-flight lists and crash recovery
  - Weighted or strict multi-queue fetching
  - Scheduled jobs promoted by a fleet-scaled randomized poller
  - Exponential retry backoff with jitter, per-job retry caps, and custom
    retry schedules
  - Dead set bounded by age and size
  - Middleware chain around every execution
  - Graceful shutdown that returns unfinished work to its source queue

# Quick Start

Client (enqueue jobs):

	client := anvilq.NewClient(anvilq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	job := anvilq.NewJob("EmailWorker", 42, "welcome")
	jid, err := client.Push(job, anvilq.Queue("critical"))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", jid)

Server (process jobs):

	srv := anvilq.NewServer(
		anvilq.RedisClientOpt{Addr: "localhost:6379"},
		anvilq.Config{
			Concurrency: 10,
			Queues:      []string{"critical", "critical", "default"},
		},
	)

	registry := anvilq.NewRegistry()
	registry.RegisterFunc("EmailWorker", func(ctx context.Context, args []interface{}) error {
		log.Printf("sending email: %v", args)
		return nil
	})

	if err := srv.Run(registry); err != nil {
		log.Fatal(err)
	}

# Job Options

Available options for Client.Push:

	Queue(name)       - Target queue name
	MaxRetry(n)       - Maximum retry attempts
	NoRetry()         - First failure goes straight to the death path
	RetryQueue(name)  - Queue used for retries
	Backtrace()       - Store the full error stack on failure
	BacktraceLimit(n) - Store the first n stack frames on failure
	SkipDead()        - Skip the dead set when retries are exhausted
	ProcessIn(d)      - Delay processing by duration
	ProcessAt(t)      - Schedule at specific time

# Architecture

Redis holds each queue as a list, plus three time-ordered sets (retry,
schedule, dead) shared by all queues, a registry of live server processes,
and one in-flight list per process and queue holding the payloads that
process is executing.

The Server spawns multiple goroutines:
  - Processors: pool of workers that fetch and execute jobs
  - Poller: promotes due jobs from the retry and scheduled sets
  - Heartbeater: writes this process's registry entry
  - Recoverer: requeues in-flight work orphaned by crashed processes
  - Janitor: trims the dead set to its age and size caps
  - Healthchecker: pings redis and reports failures

Use Inspector for read-only access to queue sizes, set contents, and the
process registry.
*/
package anvilq
