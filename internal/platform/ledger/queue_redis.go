package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "consent:anchor"

// RedisQueue shares one Queue between replicas. Due times live in a sorted
// set scored by unix milliseconds and job bodies in a hash. Push and claim
// run as Lua scripts so both structures change together.
type RedisQueue struct {
	rdb     *redis.Client
	dueKey  string
	jobsKey string
}

// NewRedisQueue returns a queue under prefix. An empty prefix uses
// "consent:anchor".
func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{rdb: rdb, dueKey: prefix + ":due", jobsKey: prefix + ":jobs"}
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// pushScript adds a job unless it is already scheduled. A body left in the
// hash without a due entry is an orphan from an interrupted claim and is
// replaced.
var pushScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claimScript removes up to ARGV[2] due jobs (all when not positive) and
// returns their bodies in one step, so a crash never separates a due entry
// from its body.
var claimScript = redis.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
else
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[2], id)
	redis.call('HDEL', KEYS[2], id)
	if body then
		table.insert(out, body)
	end
end
return out
`)

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	keys := []string{q.dueKey, q.jobsKey}
	if err := pushScript.Run(ctx, q.rdb, keys, job.ConsentID, body, job.NextAttempt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis queue push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Reschedule(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobsKey, job.ConsentID, body)
		p.ZAdd(ctx, q.dueKey, redis.Z{Score: score(job.NextAttempt), Member: job.ConsentID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis queue reschedule: %w", err)
	}
	return nil
}

// ClaimDue returns every job it removed. A body that cannot be decoded is
// dropped and reported in the error alongside the decoded jobs.
func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	keys := []string{q.dueKey, q.jobsKey}
	bodies, err := claimScript.Run(ctx, q.rdb, keys, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis queue claim: %w", err)
	}

	jobs := make([]Job, 0, len(bodies))
	var errs []error
	for _, body := range bodies {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			errs = append(errs, fmt.Errorf("redis queue decode: %w", err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.dueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue len: %w", err)
	}
	return int(n), nil
}
