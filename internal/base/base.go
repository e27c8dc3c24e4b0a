// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in anvilq package.
package base

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Version of anvilq library.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// Suffixes of the global redis keys, prepended with the optional namespace.
const (
	allQueues    = "queues"    // SET
	retrySet     = "retry"     // ZSET
	scheduledSet = "schedule"  // ZSET
	deadSet      = "dead"      // ZSET
	allProcesses = "processes" // SET
)

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
//
// Colons are rejected because the in-flight key format
// "queue:<name>:<identity>" needs the queue name to be colon free.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	if strings.Contains(qname, ":") {
		return fmt.Errorf("queue name cannot contain a colon")
	}
	return nil
}

func key(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + ":" + name
}

// QueueKey returns a redis key for the given queue name.
func QueueKey(ns, qname string) string {
	return key(ns, "queue:"+qname)
}

// InflightKey returns a redis key for the in-flight list owned by the
// process with the given identity for the given queue.
func InflightKey(ns, qname, identity string) string {
	return key(ns, "queue:"+qname+":"+identity)
}

// InflightKeyPattern returns a redis MATCH pattern selecting all in-flight lists.
// Plain queue lists have a single colon after the "queue" literal and do not
// match because process identities always carry two colons of their own.
func InflightKeyPattern(ns string) string {
	return key(ns, "queue:*:*:*")
}

// ParseInflightKey splits an in-flight key into its queue name and owner identity.
func ParseInflightKey(ns, k string) (qname, identity string, err error) {
	prefix := key(ns, "queue:")
	rest, ok := strings.CutPrefix(k, prefix)
	if !ok {
		return "", "", fmt.Errorf("malformed in-flight key %q", k)
	}
	qname, identity, ok = strings.Cut(rest, ":")
	if !ok || qname == "" || identity == "" {
		return "", "", fmt.Errorf("malformed in-flight key %q", k)
	}
	return qname, identity, nil
}

// AllQueues returns the redis key for the set of known queue names.
func AllQueues(ns string) string { return key(ns, allQueues) }

// RetryKey returns the redis key for the retry sorted set.
func RetryKey(ns string) string { return key(ns, retrySet) }

// ScheduledKey returns the redis key for the scheduled sorted set.
func ScheduledKey(ns string) string { return key(ns, scheduledSet) }

// DeadKey returns the redis key for the dead sorted set.
func DeadKey(ns string) string { return key(ns, deadSet) }

// AllProcesses returns the redis key for the set of live process identities.
func AllProcesses(ns string) string { return key(ns, allProcesses) }

// ProcessInfoKey returns the redis key for the info hash of the given process.
func ProcessInfoKey(ns, identity string) string { return key(ns, identity) }

// RetryPolicy is the bool-or-int JSON value of the "retry" envelope field.
//
// Absent means "use the default attempt cap" and is represented by a nil
// *RetryPolicy. The value written by the client is preserved verbatim on
// re-serialization, including a literal zero.
type RetryPolicy struct {
	Disabled bool
	Limited  bool
	Max      int // valid when Limited
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	if p.Limited {
		return json.Marshal(p.Max)
	}
	return json.Marshal(!p.Disabled)
}

func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, []byte("true")):
		*p = RetryPolicy{}
	case bytes.Equal(b, []byte("false")):
		*p = RetryPolicy{Disabled: true}
	default:
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("retry field must be a boolean or an integer: %w", err)
		}
		*p = RetryPolicy{Limited: true, Max: n}
	}
	return nil
}

// MaxAttempts returns the attempt cap declared by the policy,
// or def if the policy is absent or boolean true.
func (p *RetryPolicy) MaxAttempts(def int) int {
	switch {
	case p == nil:
		return def
	case p.Disabled:
		return 0
	case p.Limited:
		return p.Max
	default:
		return def
	}
}

// BacktracePolicy is the bool-or-int JSON value of the "backtrace" envelope
// field: false or absent stores no backtrace, true stores the full stack,
// a positive integer stores that many leading frames.
type BacktracePolicy struct {
	Enabled bool
	Limit   int // 0 means unlimited
}

func (p BacktracePolicy) MarshalJSON() ([]byte, error) {
	if p.Limit > 0 {
		return json.Marshal(p.Limit)
	}
	return json.Marshal(p.Enabled)
}

func (p *BacktracePolicy) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, []byte("true")):
		*p = BacktracePolicy{Enabled: true}
	case bytes.Equal(b, []byte("false")):
		*p = BacktracePolicy{}
	default:
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("backtrace field must be a boolean or an integer: %w", err)
		}
		if n > 0 {
			*p = BacktracePolicy{Enabled: true, Limit: n}
		} else {
			*p = BacktracePolicy{}
		}
	}
	return nil
}

// JobMessage is the internal representation of a job with additional metadata fields.
// Serialized data of this type gets written to redis.
type JobMessage struct {
	// Class is the registered worker name that performs this job.
	Class string `json:"class"`

	// Args holds the JSON-safe positional arguments for the worker.
	Args []interface{} `json:"args"`

	// ID is a unique 24-hex identifier assigned at enqueue.
	// It is immutable for the life of the job.
	ID string `json:"jid"`

	// Queue is the name of the queue this job runs on.
	Queue string `json:"queue"`

	// Retry is the retry policy set by the client; nil means default.
	// Once set by the client it is never overwritten by the server.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// RetryQueue overrides the queue used for retries.
	RetryQueue string `json:"retry_queue,omitempty"`

	// RetryCount is the number of attempts completed before the next try.
	// Absent means the job has never failed. After N failures the field
	// reads N-1; the on-wire off-by-one is deliberate.
	RetryCount *int `json:"retry_count,omitempty"`

	// FailedAt is the unix time in seconds of the first failure.
	FailedAt float64 `json:"failed_at,omitempty"`

	// RetriedAt is the unix time in seconds of the most recent retry.
	RetriedAt float64 `json:"retried_at,omitempty"`

	// ErrorClass is the kind of the last error.
	ErrorClass string `json:"error_class,omitempty"`

	// ErrorMessage is the last error message, truncated to 10,000 bytes
	// and scrubbed to valid UTF-8.
	ErrorMessage string `json:"error_message,omitempty"`

	// Backtrace is the backtrace capture policy; nil stores no backtrace.
	Backtrace *BacktracePolicy `json:"backtrace,omitempty"`

	// ErrorBacktrace is a zlib-deflated, base64-encoded JSON array of frames.
	ErrorBacktrace string `json:"error_backtrace,omitempty"`

	// Dead, when explicitly false, suppresses dead-letter placement.
	// Absence means the job does go to the dead set on exhaustion.
	Dead *bool `json:"dead,omitempty"`

	// CreatedAt is the unix time in seconds the client created the job.
	CreatedAt float64 `json:"created_at,omitempty"`

	// EnqueuedAt is the unix time in seconds the job was pushed.
	EnqueuedAt float64 `json:"enqueued_at,omitempty"`
}

// EncodeMessage marshals the given job message and returns an encoded bytes.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
// Non-object roots are rejected even when encoding/json would accept them.
func DecodeMessage(data []byte) (*JobMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("job payload root must be a JSON object")
	}
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CompressBacktrace serializes the given frames to JSON, deflates them with
// the default zlib level, and returns the standard base64 encoding of the result.
func CompressBacktrace(frames []string) (string, error) {
	if frames == nil {
		frames = []string{}
	}
	js, err := json.Marshal(frames)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(js); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressBacktrace is the exact inverse of CompressBacktrace.
func DecompressBacktrace(encoded string) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	js, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var frames []string
	if err := json.Unmarshal(js, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

// ProcessInfo holds information about a running server process.
// Serialized data of this type gets written to the process registry.
type ProcessInfo struct {
	Host        string   `json:"hostname"`
	PID         int      `json:"pid"`
	Identity    string   `json:"identity"`
	Concurrency int      `json:"concurrency"`
	Queues      []string `json:"queues"`
	Strict      bool     `json:"strict"`
	StartedAt   float64  `json:"started_at"`
	Busy        int      `json:"busy"`
	Quiet       bool     `json:"quiet"`
}

// EncodeProcessInfo marshals the given ProcessInfo and returns the encoded bytes.
func EncodeProcessInfo(info *ProcessInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil process info")
	}
	return json.Marshal(info)
}

// DecodeProcessInfo decodes the given bytes into ProcessInfo.
func DecodeProcessInfo(b []byte) (*ProcessInfo, error) {
	var info ProcessInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Broker is a message broker that supports operations to manage job queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Enqueue-side operations.
	Push(ctx context.Context, msg *JobMessage) error
	Schedule(ctx context.Context, msg *JobMessage, processAt time.Time) error

	// Fetch-side operations. Dequeue moves one payload from the first
	// non-empty queue (probed in the given order) into the in-flight list
	// owned by identity, blocking up to the configured fetch timeout.
	Dequeue(identity string, qnames ...string) (payload []byte, qname string, err error)
	Ack(ctx context.Context, identity, qname string, payload []byte) error
	Requeue(ctx context.Context, identity string, qnames []string) (int64, error)
	RequeueOrphaned(ctx context.Context) (int64, error)

	// Retry / death state transitions.
	Retry(ctx context.Context, msg *JobMessage, processAt time.Time) error
	Kill(ctx context.Context, msg *JobMessage, diedAt time.Time) error
	TrimDead(ctx context.Context, now time.Time) error

	// Scheduled-set promotion.
	PromoteDue(ctx context.Context, now time.Time) (int64, error)

	// Process registry.
	WriteProcessState(ctx context.Context, info *ProcessInfo, ttl time.Duration) error
	ClearProcessState(ctx context.Context, identity string) error
	ProcessCount(ctx context.Context) (int64, error)
}
