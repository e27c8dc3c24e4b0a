// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/errors"
	"github.com/anvilq/anvilq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const (
	// Duration a blocking dequeue waits for any configured queue to have an item.
	fetchTimeout = 2 * time.Second

	// Dead set retention defaults; oldest entries are evicted past either cap.
	DefaultDeadTimeToLive = 180 * 24 * time.Hour
	DefaultDeadMaxJobs    = 10000
)

// ErrNoProcessableJob indicates that there is no job ready to be processed.
var ErrNoProcessableJob = errors.New("no job is ready for processing")

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client    redis.UniversalClient
	namespace string
	clock     timeutil.Clock

	deadTTL     time.Duration
	deadMaxJobs int64
}

// NewRDB returns a new instance of RDB. All keys live under the given
// namespace; pass an empty string for none.
func NewRDB(client redis.UniversalClient, namespace string) *RDB {
	return &RDB{
		client:      client,
		namespace:   namespace,
		clock:       timeutil.NewRealClock(),
		deadTTL:     DefaultDeadTimeToLive,
		deadMaxJobs: DefaultDeadMaxJobs,
	}
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// SetDeadLimits overrides the dead set retention caps.
func (r *RDB) SetDeadLimits(ttl time.Duration, maxJobs int64) {
	if ttl > 0 {
		r.deadTTL = ttl
	}
	if maxJobs > 0 {
		r.deadMaxJobs = maxJobs
	}
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return nil
}

func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return 0, errors.E(op, errors.Internal, "unexpected return value from Lua script")
	}
	return n, nil
}

// Push adds the given message to the tail of its queue and registers the
// queue name in the known-queues set.
func (r *RDB) Push(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Push"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, "cannot encode message: "+err.Error())
	}
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, base.AllQueues(r.namespace), msg.Queue)
	pipe.LPush(ctx, base.QueueKey(r.namespace, msg.Queue), encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "lpush", Err: err})
	}
	return nil
}

// PushBulk adds all the given messages to the tails of their queues in a
// single round trip. The pipeline is not atomic; a partial failure can leave
// a prefix of the batch enqueued.
func (r *RDB) PushBulk(ctx context.Context, msgs []*base.JobMessage) error {
	var op errors.Op = "rdb.PushBulk"
	pipe := r.client.Pipeline()
	for _, msg := range msgs {
		encoded, err := base.EncodeMessage(msg)
		if err != nil {
			return errors.E(op, errors.Unknown, "cannot encode message: "+err.Error())
		}
		pipe.SAdd(ctx, base.AllQueues(r.namespace), msg.Queue)
		pipe.LPush(ctx, base.QueueKey(r.namespace, msg.Queue), encoded)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "lpush", Err: err})
	}
	return nil
}

// Schedule adds the given message to the scheduled set to be processed in the future.
func (r *RDB) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.Schedule"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, "cannot encode message: "+err.Error())
	}
	score := float64(processAt.UnixNano()) / 1e9
	err = r.client.ZAdd(ctx, base.ScheduledKey(r.namespace),
		redis.Z{Score: score, Member: encoded}).Err()
	if err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	return nil
}

// Dequeue queries the given queues in order and pops a job payload off the
// first queue that is non-empty, moving it into the in-flight list owned by
// the given process identity. If all queues are empty it blocks on the first
// queue up to the fetch timeout. It returns ErrNoProcessableJob if no queue
// yielded a payload.
func (r *RDB) Dequeue(identity string, qnames ...string) (payload []byte, qname string, err error) {
	var op errors.Op = "rdb.Dequeue"
	if len(qnames) == 0 {
		return nil, "", ErrNoProcessableJob
	}
	ctx := context.Background()
	for _, q := range qnames {
		res, err := r.client.RPopLPush(ctx, base.QueueKey(r.namespace, q),
			base.InflightKey(r.namespace, q, identity)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, "", errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "rpoplpush", Err: err})
		}
		return []byte(res), q, nil
	}
	q := qnames[0]
	res, err := r.client.BRPopLPush(ctx, base.QueueKey(r.namespace, q),
		base.InflightKey(r.namespace, q, identity), fetchTimeout).Result()
	if err == redis.Nil {
		return nil, "", ErrNoProcessableJob
	}
	if err != nil {
		return nil, "", errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "brpoplpush", Err: err})
	}
	return []byte(res), q, nil
}

// Ack removes exactly one copy of the given payload from the in-flight list
// owned by identity for the given queue.
func (r *RDB) Ack(ctx context.Context, identity, qname string, payload []byte) error {
	var op errors.Op = "rdb.Ack"
	err := r.client.LRem(ctx, base.InflightKey(r.namespace, qname, identity), 1, payload).Err()
	if err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "lrem", Err: err})
	}
	return nil
}

// KEYS[1] -> in-flight list
// KEYS[2] -> source queue list
// Drains the in-flight list back onto the tail of the source queue.
// Returns the number of moved payloads.
var requeueCmd = redis.NewScript(`
local n = 0
while true do
	local v = redis.call("RPOP", KEYS[1])
	if not v then
		return n
	end
	redis.call("RPUSH", KEYS[2], v)
	n = n + 1
end`)

// Requeue atomically moves all in-flight items owned by identity back to the
// tail of their source queues. It returns the number of requeued payloads.
func (r *RDB) Requeue(ctx context.Context, identity string, qnames []string) (int64, error) {
	var op errors.Op = "rdb.Requeue"
	var total int64
	for _, q := range qnames {
		keys := []string{
			base.InflightKey(r.namespace, q, identity),
			base.QueueKey(r.namespace, q),
		}
		n, err := r.runScriptWithErrorCode(ctx, op, requeueCmd, keys)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RequeueOrphaned scans for in-flight lists whose owning identity is no
// longer present in the process registry and drains them back to their
// source queues. It returns the number of requeued payloads.
func (r *RDB) RequeueOrphaned(ctx context.Context) (int64, error) {
	var op errors.Op = "rdb.RequeueOrphaned"
	alive, err := r.client.SMembers(ctx, base.AllProcesses(r.namespace)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "smembers", Err: err})
	}
	living := make(map[string]bool, len(alive))
	for _, id := range alive {
		living[id] = true
	}
	var total int64
	iter := r.client.Scan(ctx, 0, base.InflightKeyPattern(r.namespace), 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		qname, identity, err := base.ParseInflightKey(r.namespace, k)
		if err != nil || living[identity] {
			continue
		}
		n, err := r.runScriptWithErrorCode(ctx, op, requeueCmd,
			[]string{k, base.QueueKey(r.namespace, qname)})
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "scan", Err: err})
	}
	return total, nil
}

// Retry adds the given message to the retry set to be retried at processAt.
func (r *RDB) Retry(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.Retry"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, "cannot encode message: "+err.Error())
	}
	score := float64(processAt.UnixNano()) / 1e9
	err = r.client.ZAdd(ctx, base.RetryKey(r.namespace),
		redis.Z{Score: score, Member: encoded}).Err()
	if err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	return nil
}

// KEYS[1] -> dead set
// ARGV[1] -> encoded payload
// ARGV[2] -> death time as a unix epoch score
// ARGV[3] -> age cutoff; entries with a lower score are evicted
// ARGV[4] -> max number of entries to keep
var killCmd = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
redis.call("ZREMRANGEBYRANK", KEYS[1], 0, -(tonumber(ARGV[4]) + 1))
return redis.status_reply("OK")`)

// Kill places the given message in the dead set scored by its death time,
// evicting entries over the age and count caps.
func (r *RDB) Kill(ctx context.Context, msg *base.JobMessage, diedAt time.Time) error {
	var op errors.Op = "rdb.Kill"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, "cannot encode message: "+err.Error())
	}
	score := float64(diedAt.UnixNano()) / 1e9
	cutoff := float64(diedAt.Add(-r.deadTTL).UnixNano()) / 1e9
	return r.runScript(ctx, op, killCmd,
		[]string{base.DeadKey(r.namespace)},
		encoded, score, cutoff, r.deadMaxJobs)
}

// TrimDead evicts dead set entries over the age and count caps.
var trimDeadCmd = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZREMRANGEBYRANK", KEYS[1], 0, -(tonumber(ARGV[2]) + 1))
return redis.status_reply("OK")`)

func (r *RDB) TrimDead(ctx context.Context, now time.Time) error {
	var op errors.Op = "rdb.TrimDead"
	cutoff := float64(now.Add(-r.deadTTL).UnixNano()) / 1e9
	return r.runScript(ctx, op, trimDeadCmd,
		[]string{base.DeadKey(r.namespace)}, cutoff, r.deadMaxJobs)
}

// KEYS[1] -> source sorted set
// KEYS[2] -> destination queue list
// ARGV[1] -> encoded payload
// Removes the payload from the set and pushes it onto the queue; if another
// process won the removal, the push is skipped. Returns 1 when promoted.
var promoteCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0`)

// maximum number of due entries promoted per sorted set per call
const promoteBatchSize = 100

// PromoteDue moves entries whose score is not after now from the retry and
// scheduled sets onto the live queue named in their envelope. A promotion is
// atomic per entry; a failed promotion leaves the entry in place.
// It returns the number of promoted payloads.
func (r *RDB) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	var op errors.Op = "rdb.PromoteDue"
	var total int64
	max := cast.ToString(float64(now.UnixNano()) / 1e9)
	for _, src := range []string{base.RetryKey(r.namespace), base.ScheduledKey(r.namespace)} {
		payloads, err := r.client.ZRangeByScore(ctx, src, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   max,
			Count: promoteBatchSize,
		}).Result()
		if err != nil {
			return total, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
		}
		for _, payload := range payloads {
			msg, err := base.DecodeMessage([]byte(payload))
			if err != nil {
				// An undecodable entry can never be promoted; leave it
				// for manual inspection rather than spin on it.
				continue
			}
			qname := msg.Queue
			if qname == "" {
				qname = base.DefaultQueueName
			}
			n, err := r.runScriptWithErrorCode(ctx, op, promoteCmd,
				[]string{src, base.QueueKey(r.namespace, qname)}, payload)
			if err != nil {
				return total, err
			}
			if n == 1 {
				r.client.SAdd(ctx, base.AllQueues(r.namespace), qname)
				total++
			}
		}
	}
	return total, nil
}

// WriteProcessState writes the process registry entry for the given process:
// its identity in the live set and its info hash with the given expiry.
func (r *RDB) WriteProcessState(ctx context.Context, info *base.ProcessInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteProcessState"
	encoded, err := base.EncodeProcessInfo(info)
	if err != nil {
		return errors.E(op, errors.Unknown, "cannot encode process info: "+err.Error())
	}
	infoKey := base.ProcessInfoKey(r.namespace, info.Identity)
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, base.AllProcesses(r.namespace), info.Identity)
	pipe.HSet(ctx, infoKey, "info", encoded, "beat", float64(r.clock.Now().UnixNano())/1e9)
	pipe.Expire(ctx, infoKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "hset", Err: err})
	}
	return nil
}

// ClearProcessState deregisters the given process identity.
func (r *RDB) ClearProcessState(ctx context.Context, identity string) error {
	var op errors.Op = "rdb.ClearProcessState"
	pipe := r.client.Pipeline()
	pipe.SRem(ctx, base.AllProcesses(r.namespace), identity)
	pipe.Del(ctx, base.ProcessInfoKey(r.namespace, identity))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "srem", Err: err})
	}
	return nil
}

// ProcessCount returns the number of live process identities in the registry.
func (r *RDB) ProcessCount(ctx context.Context) (int64, error) {
	var op errors.Op = "rdb.ProcessCount"
	n, err := r.client.SCard(ctx, base.AllProcesses(r.namespace)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "scard", Err: err})
	}
	return n, nil
}
