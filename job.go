// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"time"

	"github.com/anvilq/anvilq/internal/base"
)

// Job is a single unit of work: a worker class name plus its JSON-safe
// positional arguments, together with the lifecycle metadata the server
// tracks across retries.
type Job struct {
	msg *base.JobMessage

	// name of the live queue the job was fetched from; for a job that has
	// not been fetched yet this equals the target queue.
	queue string
}

// NewJob returns a new Job for the worker registered under the given class
// name. Options are applied at enqueue time by Client.Push.
func NewJob(class string, args ...interface{}) *Job {
	if args == nil {
		args = []interface{}{}
	}
	return &Job{
		msg: &base.JobMessage{
			Class: class,
			Args:  args,
			Queue: base.DefaultQueueName,
		},
		queue: base.DefaultQueueName,
	}
}

func newJobFromMessage(msg *base.JobMessage, queue string) *Job {
	return &Job{msg: msg, queue: queue}
}

// ID returns the unique 24-hex job identifier, or an empty string if the
// job has not been enqueued yet.
func (j *Job) ID() string { return j.msg.ID }

// Class returns the registered worker name for this job.
func (j *Job) Class() string { return j.msg.Class }

// Args returns the positional arguments for the worker.
func (j *Job) Args() []interface{} { return j.msg.Args }

// Queue returns the name of the queue the job runs on.
func (j *Job) Queue() string { return j.queue }

// RetryCount returns the number of attempts completed before the next try.
// It is zero for a job that has never failed.
func (j *Job) RetryCount() int {
	if j.msg.RetryCount == nil {
		return 0
	}
	return *j.msg.RetryCount
}

// LastError returns the scrubbed message of the most recent failure.
func (j *Job) LastError() string { return j.msg.ErrorMessage }

// ErrorClass returns the kind of the most recent failure.
func (j *Job) ErrorClass() string { return j.msg.ErrorClass }

// enqueueOptions collects the effect of the Option values passed to Push.
type enqueueOptions struct {
	msg       *base.JobMessage
	processAt time.Time // zero means enqueue immediately
}

// Option configures how a job is enqueued.
type Option func(*enqueueOptions)

// Queue specifies the queue to enqueue the job into.
func Queue(qname string) Option {
	return func(o *enqueueOptions) { o.msg.Queue = qname }
}

// MaxRetry caps the number of retry attempts for the job.
func MaxRetry(n int) Option {
	return func(o *enqueueOptions) {
		o.msg.Retry = &base.RetryPolicy{Limited: true, Max: n}
	}
}

// NoRetry disables retries; the first failure sends the job straight to the
// death path.
func NoRetry() Option {
	return func(o *enqueueOptions) {
		o.msg.Retry = &base.RetryPolicy{Disabled: true}
	}
}

// RetryQueue overrides the queue used when the job is retried.
func RetryQueue(qname string) Option {
	return func(o *enqueueOptions) { o.msg.RetryQueue = qname }
}

// Backtrace stores the full error stack on failure.
func Backtrace() Option {
	return func(o *enqueueOptions) {
		o.msg.Backtrace = &base.BacktracePolicy{Enabled: true}
	}
}

// BacktraceLimit stores the first n error stack frames on failure.
func BacktraceLimit(n int) Option {
	return func(o *enqueueOptions) {
		o.msg.Backtrace = &base.BacktracePolicy{Enabled: n > 0, Limit: max(n, 0)}
	}
}

// SkipDead suppresses dead-letter placement when retries are exhausted.
func SkipDead() Option {
	return func(o *enqueueOptions) {
		f := false
		o.msg.Dead = &f
	}
}

// ProcessAt schedules the job to run at the given time instead of
// immediately; it is placed in the scheduled set until due.
func ProcessAt(t time.Time) Option {
	return func(o *enqueueOptions) { o.processAt = t }
}

// ProcessIn schedules the job to run after the given delay.
func ProcessIn(d time.Duration) Option {
	return func(o *enqueueOptions) { o.processAt = time.Now().Add(d) }
}
