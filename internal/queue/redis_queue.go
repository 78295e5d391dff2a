package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"feed-job-importer/internal/config"
	"feed-job-importer/internal/models"
)

// Counts is a backend-wide snapshot of units by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// DeadLetter is one permanently failed unit kept for inspection.
type DeadLetter struct {
	Unit     models.UnitOfWork `json:"unit"`
	Reason   string            `json:"reason"`
	FailedAt time.Time         `json:"failedAt"`
}

// RedisQueue coordinates ready, in-flight, and delayed units in Redis and
// tracks how many units of each import run are still outstanding.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
}

// Connect parses the Redis settings and verifies connectivity.
func Connect(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "job-import-queue"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		prefix:        name + ":",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey() string     { return q.prefix + "ready" }
func (q *RedisQueue) inflightKey() string  { return q.prefix + "inflight" }
func (q *RedisQueue) delayedKey() string   { return q.prefix + "delayed" }
func (q *RedisQueue) deadKey() string      { return q.prefix + "dead" }
func (q *RedisQueue) completedKey() string { return q.prefix + "completed" }

func (q *RedisQueue) unitKey(unitID string) string {
	return q.prefix + "unit:" + unitID
}

func (q *RedisQueue) outstandingKey(runID string) string {
	return q.prefix + "run:" + runID + ":outstanding"
}

// Reserve adds n outstanding units for runID ahead of submitting them.
func (q *RedisQueue) Reserve(ctx context.Context, runID string, n int) error {
	return q.client.IncrBy(ctx, q.outstandingKey(runID), int64(n)).Err()
}

// Release returns n reserved units that were never submitted.
func (q *RedisQueue) Release(ctx context.Context, runID string, n int) error {
	return q.client.DecrBy(ctx, q.outstandingKey(runID), int64(n)).Err()
}

// Submit enqueues a single unit.
func (q *RedisQueue) Submit(ctx context.Context, unit models.UnitOfWork) error {
	return q.SubmitBulk(ctx, []models.UnitOfWork{unit})
}

// SubmitBulk stores each unit body and appends its id to the ready list in
// one transaction, preserving order.
func (q *RedisQueue) SubmitBulk(ctx context.Context, units []models.UnitOfWork) error {
	if len(units) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, u := range units {
		body, err := json.Marshal(u)
		if err != nil {
			return errors.Wrapf(err, "marshal unit %s", u.ID)
		}
		pipe.HSet(ctx, q.unitKey(u.ID), "body", body, "run", u.ImportRunID)
		pipe.RPush(ctx, q.readyKey(), u.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops the next ready unit and leases it for the visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.UnitOfWork, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey(), q.inflightKey()}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unitID, ok := res.(string)
	if !ok {
		return nil, errors.Newf("unexpected type from dequeue script: %T", res)
	}

	body, err := q.client.HGet(ctx, q.unitKey(unitID), "body").Bytes()
	if err == redis.Nil {
		// Finished by another delivery while this id sat in the ready list.
		_ = q.client.ZRem(ctx, q.inflightKey(), unitID).Err()
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load unit %s", unitID)
	}
	var unit models.UnitOfWork
	if err := json.Unmarshal(body, &unit); err != nil {
		return nil, errors.Wrapf(err, "decode unit %s", unitID)
	}
	return &unit, nil
}

// Complete finishes a unit successfully. It returns the run's remaining
// outstanding count and whether this call was the one that finished the unit;
// repeated calls for the same unit are no-ops.
func (q *RedisQueue) Complete(ctx context.Context, unit models.UnitOfWork) (int64, bool, error) {
	return q.finish(ctx, unit, "complete", q.completedKey(), "")
}

// DeadLetter finishes a unit permanently after its attempts are exhausted.
func (q *RedisQueue) DeadLetter(ctx context.Context, unit models.UnitOfWork, reason string) (int64, bool, error) {
	entry, err := json.Marshal(DeadLetter{Unit: unit, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return 0, false, errors.Wrap(err, "marshal dead letter")
	}
	return q.finish(ctx, unit, "dead", q.deadKey(), string(entry))
}

func (q *RedisQueue) finish(ctx context.Context, unit models.UnitOfWork, mode, sink, entry string) (int64, bool, error) {
	keys := []string{
		q.unitKey(unit.ID),
		q.inflightKey(),
		q.delayedKey(),
		q.readyKey(),
		q.outstandingKey(unit.ImportRunID),
		sink,
	}
	left, err := finishScript.Run(ctx, q.client, keys, unit.ID, mode, entry).Int64()
	if err != nil {
		return 0, false, err
	}
	if left < 0 {
		return 0, false, nil
	}
	return left, true, nil
}

// Retry moves a leased unit to the delayed set until runAt, persisting its
// updated attempt count.
func (q *RedisQueue) Retry(ctx context.Context, unit models.UnitOfWork, runAt time.Time) error {
	body, err := json.Marshal(unit)
	if err != nil {
		return errors.Wrapf(err, "marshal unit %s", unit.ID)
	}
	keys := []string{q.unitKey(unit.ID), q.inflightKey(), q.delayedKey()}
	return retryScript.Run(ctx, q.client, keys, unit.ID, body, runAt.UnixMilli()).Err()
}

// PromoteDelayed moves due delayed units into the ready list.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.delayedKey(), now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. This is
// what makes delivery at-least-once when a worker dies mid-unit.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey(), now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey()}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

// Counts returns waiting/active/completed/failed/delayed across the backend.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey())
	active := pipe.ZCard(ctx, q.inflightKey())
	completed := pipe.Get(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.deadKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, err
	}
	c := Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
		Delayed: delayed.Val(),
	}
	if v, err := strconv.ParseInt(completed.Val(), 10, 64); err == nil {
		c.Completed = v
	}
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
	return c, nil
}

// Outstanding returns how many units of runID are not yet finished.
func (q *RedisQueue) Outstanding(ctx context.Context, runID string) (int64, error) {
	n, err := q.client.Get(ctx, q.outstandingKey(runID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// DeadLetters reads the oldest count dead-lettered units.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.deadKey(), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)

var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'body', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
if ARGV[2] == 'dead' then
  redis.call('RPUSH', KEYS[6], ARGV[3])
else
  redis.call('INCR', KEYS[6])
end
local left = redis.call('DECR', KEYS[5])
if left <= 0 then
  redis.call('DEL', KEYS[5])
  return 0
end
return left
`)
