// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/redis/go-redis/v9"
)

// Inspector provides read-only access to queue and process data in redis,
// for monitoring dashboards and operational tooling.
type Inspector struct {
	client    redis.UniversalClient
	namespace string
}

// NewInspector returns a new Inspector instance given a redis connection option.
func NewInspector(r RedisConnOpt, opts ...ClientOption) *Inspector {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("anvilq: unsupported RedisConnOpt type %T", r))
	}
	return NewInspectorFromRedisClient(redisClient, opts...)
}

// NewInspectorFromRedisClient returns a new Inspector given a redis.UniversalClient.
func NewInspectorFromRedisClient(c redis.UniversalClient, opts ...ClientOption) *Inspector {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Inspector{client: c, namespace: options.namespace}
}

// QueueInfo holds the current size of one queue.
type QueueInfo struct {
	// Name of the queue.
	Name string

	// Number of jobs waiting on the live queue.
	Size int64

	// Number of jobs currently held in per-process in-flight lists.
	InFlight int64
}

// Stats holds aggregated counts across all queues and sets.
type Stats struct {
	Queues    []QueueInfo
	Enqueued  int64 // sum of live queue sizes
	InFlight  int64 // sum of in-flight list sizes
	Retry     int64
	Scheduled int64
	Dead      int64
	Processes int
	Busy      int // executing jobs reported by live processes
}

// Queues returns size information for every known queue, sorted by name.
func (i *Inspector) Queues(ctx context.Context) ([]QueueInfo, error) {
	qnames, err := i.client.SMembers(ctx, base.AllQueues(i.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	inflight, err := i.inflightSizes(ctx)
	if err != nil {
		return nil, err
	}
	var queues []QueueInfo
	for _, qname := range qnames {
		size, err := i.client.LLen(ctx, base.QueueKey(i.namespace, qname)).Result()
		if err != nil {
			continue
		}
		queues = append(queues, QueueInfo{
			Name:     qname,
			Size:     size,
			InFlight: inflight[qname],
		})
	}
	sort.Slice(queues, func(a, b int) bool { return queues[a].Name < queues[b].Name })
	return queues, nil
}

// inflightSizes walks the in-flight lists of every process and sums their
// lengths per source queue.
func (i *Inspector) inflightSizes(ctx context.Context) (map[string]int64, error) {
	sizes := make(map[string]int64)
	var cursor uint64
	for {
		keys, next, err := i.client.Scan(ctx, cursor, base.InflightKeyPattern(i.namespace), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan in-flight lists: %w", err)
		}
		for _, k := range keys {
			qname, _, err := base.ParseInflightKey(i.namespace, k)
			if err != nil {
				continue
			}
			n, err := i.client.LLen(ctx, k).Result()
			if err != nil {
				continue
			}
			sizes[qname] += n
		}
		cursor = next
		if cursor == 0 {
			return sizes, nil
		}
	}
}

// GetStats returns aggregated statistics across all queues, the retry,
// scheduled, and dead sets, and the process registry.
func (i *Inspector) GetStats(ctx context.Context) (Stats, error) {
	queues, err := i.Queues(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	stats.Queues = queues
	for _, q := range queues {
		stats.Enqueued += q.Size
		stats.InFlight += q.InFlight
	}
	stats.Retry, _ = i.client.ZCard(ctx, base.RetryKey(i.namespace)).Result()
	stats.Scheduled, _ = i.client.ZCard(ctx, base.ScheduledKey(i.namespace)).Result()
	stats.Dead, _ = i.client.ZCard(ctx, base.DeadKey(i.namespace)).Result()

	procs, err := i.Processes(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.Processes = len(procs)
	for _, p := range procs {
		stats.Busy += p.Busy
	}
	return stats, nil
}

// ProcessDetail describes one live server process.
type ProcessDetail struct {
	Host        string
	PID         int
	Identity    string
	Concurrency int
	Queues      []string
	Strict      bool
	StartedAt   time.Time
	Busy        int
	Quiet       bool
}

// Processes returns details of every process currently in the registry.
// Entries whose info hash has expired are skipped.
func (i *Inspector) Processes(ctx context.Context) ([]ProcessDetail, error) {
	ids, err := i.client.SMembers(ctx, base.AllProcesses(i.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	var procs []ProcessDetail
	for _, id := range ids {
		data, err := i.client.HGet(ctx, base.ProcessInfoKey(i.namespace, id), "info").Result()
		if err != nil {
			continue
		}
		info, err := base.DecodeProcessInfo([]byte(data))
		if err != nil {
			continue
		}
		procs = append(procs, ProcessDetail{
			Host:        info.Host,
			PID:         info.PID,
			Identity:    info.Identity,
			Concurrency: info.Concurrency,
			Queues:      info.Queues,
			Strict:      info.Strict,
			StartedAt:   time.Unix(0, int64(info.StartedAt*1e9)),
			Busy:        info.Busy,
			Quiet:       info.Quiet,
		})
	}
	sort.Slice(procs, func(a, b int) bool { return procs[a].Identity < procs[b].Identity })
	return procs, nil
}

// SetEntry is one job held in a time-ordered set together with its score,
// interpreted as the retry time, the scheduled process time, or the death
// time depending on the set.
type SetEntry struct {
	Job *Job
	At  time.Time
}

// RetryJobs returns up to n jobs from the retry set in retry-time order.
func (i *Inspector) RetryJobs(ctx context.Context, n int) ([]SetEntry, error) {
	return i.setEntries(ctx, base.RetryKey(i.namespace), n)
}

// ScheduledJobs returns up to n jobs from the scheduled set in process-time order.
func (i *Inspector) ScheduledJobs(ctx context.Context, n int) ([]SetEntry, error) {
	return i.setEntries(ctx, base.ScheduledKey(i.namespace), n)
}

// DeadJobs returns up to n jobs from the dead set in death-time order.
func (i *Inspector) DeadJobs(ctx context.Context, n int) ([]SetEntry, error) {
	return i.setEntries(ctx, base.DeadKey(i.namespace), n)
}

func (i *Inspector) setEntries(ctx context.Context, key string, n int) ([]SetEntry, error) {
	if n < 1 {
		return nil, nil
	}
	zs, err := i.client.ZRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	var entries []SetEntry
	for _, z := range zs {
		payload, ok := z.Member.(string)
		if !ok {
			continue
		}
		msg, err := base.DecodeMessage([]byte(payload))
		if err != nil {
			continue
		}
		entries = append(entries, SetEntry{
			Job: newJobFromMessage(msg, msg.Queue),
			At:  time.Unix(0, int64(z.Score*1e9)),
		})
	}
	return entries, nil
}
