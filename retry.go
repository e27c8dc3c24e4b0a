// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/errors"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/timeutil"
)

var (
	// ErrShutdown is the marker injected into workers during hard shutdown.
	// It is never persisted; the current unit stays in the in-flight list
	// so it can be requeued.
	ErrShutdown = errors.New("anvilq: shutdown in progress")

	// ErrHandled signals that the retry engine already recorded the failure
	// on the global path; the processor acks and suppresses further reporting.
	ErrHandled = errors.New("anvilq: job failure handled")

	// ErrSkip is the local-path equivalent of ErrHandled.
	ErrSkip = errors.New("anvilq: job failure handled, skipping")
)

const (
	defaultMaxRetries = 25

	maxErrorMessageBytes = 10000

	errorMessagePanicked = "!!! ERROR MESSAGE THREW AN ERROR !!!"
)

// panicError is the error a recovered panic is converted into. It keeps the
// stack captured at the recovery point for backtrace storage.
type panicError struct {
	value interface{}
	stack []string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// runSafely runs fn, converting a panic into a *panicError.
func runSafely(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v, stack: captureFrames(3)}
		}
	}()
	return fn()
}

// captureFrames returns the current goroutine's stack as one frame per
// string, skipping the given number of leading callers.
func captureFrames(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

// isShutdown reports whether the shutdown marker appears anywhere in err's
// cause graph. The walk is bounded by a visited set keyed by pointer
// identity so that a cyclic cause graph cannot loop it forever.
func isShutdown(err error) bool {
	seen := make(map[uintptr]bool)
	var walk func(error) bool
	walk = func(e error) bool {
		for e != nil {
			if e == ErrShutdown {
				return true
			}
			v := reflect.ValueOf(e)
			if v.Kind() == reflect.Ptr {
				p := v.Pointer()
				if seen[p] {
					return false
				}
				seen[p] = true
			}
			switch x := e.(type) {
			case interface{ Unwrap() []error }:
				for _, cause := range x.Unwrap() {
					if walk(cause) {
						return true
					}
				}
				return false
			case interface{ Unwrap() error }:
				e = x.Unwrap()
			default:
				return false
			}
		}
		return false
	}
	return walk(err)
}

// safeErrorMessage extracts err's message, substituting a fixed string if
// producing the message itself panics.
func safeErrorMessage(err error) (msg string) {
	defer func() {
		if recover() != nil {
			msg = errorMessagePanicked
		}
	}()
	return err.Error()
}

// scrubMessage produces the envelope error message: valid UTF-8 and at most
// 10,000 bytes, cut on a rune boundary.
func scrubMessage(err error) string {
	msg := strings.ToValidUTF8(safeErrorMessage(err), string(utf8.RuneError))
	if len(msg) <= maxErrorMessageBytes {
		return msg
	}
	cut := maxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// errorClass names the kind of the given error for the envelope.
func errorClass(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return "panic"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// retryIner is implemented by workers that declare a custom retry delay.
type retryIner interface {
	RetryIn(count int, err error) int
}

// maxRetrier is implemented by workers that declare a default attempt cap.
type maxRetrier interface {
	MaxRetry() int
}

// retriesExhauster is implemented by workers that want a callback when the
// job moves to the death path.
type retriesExhauster interface {
	RetriesExhausted(ctx context.Context, job *Job, err error)
}

// retryEngine decides, given a failed execution, whether the job is retried
// with a delay or moved to the dead set, and mutates the envelope
// accordingly.
type retryEngine struct {
	logger        *log.Logger
	broker        base.Broker
	clock         timeutil.Clock
	maxRetries    int
	deathHandlers []DeathHandler

	// jitter source, injectable for deterministic tests.
	randInt func(n int) int
}

type retryEngineParams struct {
	logger        *log.Logger
	broker        base.Broker
	clock         timeutil.Clock
	maxRetries    int
	deathHandlers []DeathHandler
}

func newRetryEngine(params retryEngineParams) *retryEngine {
	maxRetries := params.maxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &retryEngine{
		logger:        params.logger,
		broker:        params.broker,
		clock:         clock,
		maxRetries:    maxRetries,
		deathHandlers: params.deathHandlers,
		randInt:       rand.Intn,
	}
}

// withGlobalRetry wraps an execution for which no worker instance could be
// relied on yet. On failure it records the retry or death transition and
// returns ErrHandled; a shutdown marker in the cause graph is re-raised as
// ErrShutdown without persisting anything.
func (e *retryEngine) withGlobalRetry(ctx context.Context, msg *base.JobMessage, queue string, fn func() error) error {
	err := runSafely(fn)
	if err == nil {
		return nil
	}
	if isShutdown(err) {
		return ErrShutdown
	}
	if errors.Is(err, ErrHandled) || errors.Is(err, ErrSkip) {
		return err
	}
	e.record(ctx, nil, msg, queue, err, captureFrames(3))
	return fmt.Errorf("%w: %s", ErrHandled, safeErrorMessage(err))
}

// withLocalRetry wraps an execution with a constructed worker instance,
// consulting the worker's declared policy where the envelope is silent.
// On failure it records the transition and returns ErrSkip.
func (e *retryEngine) withLocalRetry(ctx context.Context, w Worker, msg *base.JobMessage, queue string, fn func() error) error {
	err := runSafely(fn)
	if err == nil {
		return nil
	}
	if isShutdown(err) {
		return ErrShutdown
	}
	e.record(ctx, w, msg, queue, err, captureFrames(3))
	return fmt.Errorf("%w: %s", ErrSkip, safeErrorMessage(err))
}

// record updates the envelope with the failure and performs the retry or
// death transition. frames is the stack captured where the failure was
// observed, used when the cause carries no stack of its own.
func (e *retryEngine) record(ctx context.Context, w Worker, msg *base.JobMessage, queue string, cause error, frames []string) {
	now := e.clock.Now()
	nowf := float64(now.UnixNano()) / 1e9

	if msg.RetryQueue != "" {
		msg.Queue = msg.RetryQueue
	} else {
		msg.Queue = queue
	}
	msg.ErrorClass = errorClass(cause)
	msg.ErrorMessage = scrubMessage(cause)

	// First failure sets the count to zero; later failures increment.
	// The decision below uses the freshly written value, so the field
	// stays one behind the number of failures on the wire.
	var count int
	if msg.RetryCount != nil {
		count = *msg.RetryCount + 1
		msg.RetryCount = &count
		msg.RetriedAt = nowf
	} else {
		count = 0
		msg.RetryCount = &count
		msg.FailedAt = nowf
	}

	if msg.Backtrace != nil && msg.Backtrace.Enabled {
		e.storeBacktrace(msg, cause, frames)
	}

	maxAttempts := e.maxAttempts(w, msg)
	if count < maxAttempts {
		delay := e.delayFor(w, count, cause)
		if err := e.broker.Retry(ctx, msg, now.Add(delay)); err != nil {
			e.logger.Errorf("Failed to move job id=%s to retry set: %v", msg.ID, err)
		}
		return
	}
	e.kill(ctx, w, msg, cause, now)
}

// maxAttempts resolves the attempt cap: the envelope policy wins; a silent
// envelope defers to the worker's declared cap on the local path, then to
// the configured default.
func (e *retryEngine) maxAttempts(w Worker, msg *base.JobMessage) int {
	if msg.Retry == nil && w != nil {
		if mr, ok := w.(maxRetrier); ok {
			return mr.MaxRetry()
		}
	}
	return msg.Retry.MaxAttempts(e.maxRetries)
}

// delayFor computes the backoff before the next attempt: the worker's
// custom RetryIn when declared and positive, otherwise count^4 + 15,
// always plus a jitter growing with the attempt count.
func (e *retryEngine) delayFor(w Worker, count int, cause error) time.Duration {
	jitter := e.randInt(10) * (count + 1)
	if ri, ok := w.(retryIner); ok {
		secs, err := e.customRetryIn(ri, count, cause)
		if err != nil {
			e.logger.Errorf("Custom RetryIn failed, using default backoff: %v", err)
		} else if secs > 0 {
			return time.Duration(secs+jitter) * time.Second
		}
	}
	secs := count*count*count*count + 15 + jitter
	return time.Duration(secs) * time.Second
}

func (e *retryEngine) customRetryIn(ri retryIner, count int, cause error) (secs int, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return ri.RetryIn(count, cause), nil
}

// storeBacktrace stores the error stack compressed, per the envelope policy.
// A panic's stack from the recovery point wins over the observation frames.
func (e *retryEngine) storeBacktrace(msg *base.JobMessage, cause error, frames []string) {
	var pe *panicError
	if errors.As(cause, &pe) {
		frames = pe.stack
	}
	if limit := msg.Backtrace.Limit; limit > 0 && len(frames) > limit {
		frames = frames[:limit]
	}
	encoded, err := base.CompressBacktrace(frames)
	if err != nil {
		e.logger.Errorf("Failed to compress backtrace for job id=%s: %v", msg.ID, err)
		return
	}
	msg.ErrorBacktrace = encoded
}

// kill runs the death path: the worker's exhaustion hook, dead set
// placement unless the envelope opts out with dead:false, then every
// registered death handler. Each step is isolated so one misbehaving hook
// cannot stop the others.
func (e *retryEngine) kill(ctx context.Context, w Worker, msg *base.JobMessage, cause error, now time.Time) {
	job := newJobFromMessage(msg, msg.Queue)
	if re, ok := w.(retriesExhauster); ok {
		e.isolated("RetriesExhausted hook", func() {
			re.RetriesExhausted(ctx, job, cause)
		})
	}
	// dead:false is an explicit opt-out; absence means the job is placed.
	if msg.Dead == nil || *msg.Dead != false {
		if err := e.broker.Kill(ctx, msg, now); err != nil {
			e.logger.Errorf("Failed to move job id=%s to dead set: %v", msg.ID, err)
		}
	}
	for _, h := range e.deathHandlers {
		h := h
		e.isolated("death handler", func() {
			h.HandleDeath(ctx, job, cause)
		})
	}
}

func (e *retryEngine) isolated(what string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			e.logger.Errorf("%s panicked: %v", what, v)
		}
	}()
	fn()
}
