// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// RedisConnOpt is a discriminated union of types that represent Redis connection configuration option.
//
// RedisConnOpt represents a sum of following types:
//
//   - RedisClientOpt
//   - RedisClusterClientOpt
type RedisConnOpt interface {
	// MakeRedisClient returns a new redis client instance.
	// Return value is intentionally opaque to hide the implementation detail of redis client.
	MakeRedisClient() interface{}
}

// RedisClientOpt is used to create a redis client that connects
// to a redis server directly.
type RedisClientOpt struct {
	// Network type to use, either tcp or unix.
	// Default is tcp.
	Network string

	// Redis server address in "host:port" format.
	Addr string

	// Username to authenticate the current connection when Redis ACLs are used.
	// See: https://redis.io/commands/auth.
	Username string

	// Password to authenticate the current connection.
	// See: https://redis.io/commands/auth.
	Password string

	// Redis DB to select after connecting to a server.
	// See: https://redis.io/commands/select.
	DB int

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	// If timeout is reached, read commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is 3 seconds.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	// If timeout is reached, write commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is ReadTimout.
	WriteTimeout time.Duration

	// Maximum number of socket connections.
	// Default is 10 connections per every CPU as reported by runtime.NumCPU.
	PoolSize int

	// TLS Config used to connect to a server.
	// TLS will be negotiated only if this field is set.
	TLSConfig *tls.Config
}

func (opt RedisClientOpt) MakeRedisClient() interface{} {
	return redis.NewClient(&redis.Options{
		Network:      opt.Network,
		Addr:         opt.Addr,
		Username:     opt.Username,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		PoolSize:     opt.PoolSize,
		TLSConfig:    opt.TLSConfig,
	})
}

// RedisClusterClientOpt is used to create a redis client that connects to
// redis cluster.
type RedisClusterClientOpt struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// The maximum number of retries before giving up.
	// Command is retried on network errors and MOVED/ASK redirects.
	// Default is 8 retries.
	MaxRedirects int

	// Username to authenticate the current connection when Redis ACLs are used.
	// See: https://redis.io/commands/auth.
	Username string

	// Password to authenticate the current connection.
	// See: https://redis.io/commands/auth.
	Password string

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	// If timeout is reached, read commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is 3 seconds.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	// If timeout is reached, write commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is ReadTimeout.
	WriteTimeout time.Duration

	// TLS Config used to connect to a server.
	// TLS will be negotiated only if this field is set.
	TLSConfig *tls.Config
}

func (opt RedisClusterClientOpt) MakeRedisClient() interface{} {
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        opt.Addrs,
		MaxRedirects: opt.MaxRedirects,
		Username:     opt.Username,
		Password:     opt.Password,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		TLSConfig:    opt.TLSConfig,
	})
}

// A Client is responsible for enqueuing jobs.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	broker *rdb.RDB
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	namespace string
}

// WithNamespace prefixes every redis key the client writes.
// Servers reading the same data must be configured with the same namespace.
func WithNamespace(ns string) ClientOption {
	return func(o *clientOptions) { o.namespace = ns }
}

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt, opts ...ClientOption) *Client {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("anvilq: unsupported RedisConnOpt type %T", r))
	}
	client := NewClientFromRedisClient(redisClient, opts...)
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by Client.Close.
func NewClientFromRedisClient(c redis.UniversalClient, opts ...ClientOption) *Client {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Client{broker: rdb.NewRDB(c, options.namespace), sharedConnection: true}
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("redis connection is shared so the connection will not be closed")
	}
	return c.broker.Close()
}

// newJobID returns a fresh 24 character hex job identifier.
func newJobID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Push enqueues the given job to be processed by a worker server.
//
// Push returns the job's id if the job is enqueued successfully, otherwise
// returns a non-nil error.
//
// The argument opts specifies the behavior of job processing.
// If there are conflicting Option values the last one overrides others.
// Any options set on the job at creation time are kept unless overridden.
func (c *Client) Push(job *Job, opts ...Option) (string, error) {
	return c.PushContext(context.Background(), job, opts...)
}

// PushContext is like Push but allows passing a context.
func (c *Client) PushContext(ctx context.Context, job *Job, opts ...Option) (string, error) {
	if err := c.enqueue(ctx, job, time.Now(), opts...); err != nil {
		return "", err
	}
	return job.ID(), nil
}

// PushBulk enqueues the given jobs in one round trip and returns their ids.
//
// Options apply to every job in the batch. Scheduling options are not
// supported in bulk; use Push for delayed jobs.
func (c *Client) PushBulk(jobs []*Job, opts ...Option) ([]string, error) {
	ctx := context.Background()
	now := time.Now()
	msgs := make([]*base.JobMessage, 0, len(jobs))
	for _, job := range jobs {
		processAt, err := c.prepare(job, now, opts...)
		if err != nil {
			return nil, err
		}
		if !processAt.IsZero() && processAt.After(now) {
			return nil, fmt.Errorf("anvilq: scheduling options are not supported in bulk push")
		}
		job.msg.EnqueuedAt = unixSeconds(now)
		msgs = append(msgs, job.msg)
	}
	if err := c.broker.PushBulk(ctx, msgs); err != nil {
		return nil, err
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID()
	}
	return ids, nil
}

func (c *Client) enqueue(ctx context.Context, job *Job, now time.Time, opts ...Option) error {
	processAt, err := c.prepare(job, now, opts...)
	if err != nil {
		return err
	}
	if !processAt.IsZero() && processAt.After(now) {
		return c.broker.Schedule(ctx, job.msg, processAt)
	}
	// enqueued_at marks entry onto the live queue; scheduled payloads are
	// promoted verbatim, so it stays unset for them.
	job.msg.EnqueuedAt = unixSeconds(now)
	return c.broker.Push(ctx, job.msg)
}

// prepare applies the enqueue options and fills the identity fields,
// returning the scheduled process time (zero for an immediate push).
func (c *Client) prepare(job *Job, now time.Time, opts ...Option) (time.Time, error) {
	if job == nil {
		return time.Time{}, fmt.Errorf("anvilq: cannot push a nil job")
	}
	eo := enqueueOptions{msg: job.msg}
	for _, opt := range opts {
		opt(&eo)
	}
	if err := base.ValidateQueueName(job.msg.Queue); err != nil {
		return time.Time{}, err
	}
	if job.msg.RetryQueue != "" {
		if err := base.ValidateQueueName(job.msg.RetryQueue); err != nil {
			return time.Time{}, err
		}
	}
	if job.msg.ID == "" {
		id, err := newJobID()
		if err != nil {
			return time.Time{}, err
		}
		job.msg.ID = id
	}
	if job.msg.CreatedAt == 0 {
		job.msg.CreatedAt = unixSeconds(now)
	}
	job.queue = job.msg.Queue
	return eo.processAt, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
