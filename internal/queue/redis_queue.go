package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicejobs/internal/config"
)

// Delivery is one leased run handed to a worker.
type Delivery struct {
	JobID  string
	Kind   string
	Handle string
}

// RedisQueue coordinates per-kind ready lists, in-flight leases and revocations in Redis.
// Entries are keyed by worker handle so a revoked or superseded run can never be redelivered.
type RedisQueue struct {
	client        *redis.Client
	kinds         []string
	inflightKey   string
	handlePrefix  string
	revokedPrefix string
	visibilityTTL time.Duration
	revokedTTL    time.Duration
	dlqKey        string
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	kinds := cfg.QueueOrder
	if len(kinds) == 0 {
		kinds = []string{"tts", "voice_clone"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "voicejobs:dlq"
	}
	return &RedisQueue{
		client:        client,
		kinds:         kinds,
		inflightKey:   "voicejobs:inflight",
		handlePrefix:  "voicejobs:handle:",
		revokedPrefix: "voicejobs:revoked:",
		visibilityTTL: visibility,
		revokedTTL:    24 * time.Hour,
		dlqKey:        dlq,
	}
}

// NewHandle returns a fresh worker handle.
func NewHandle() string {
	return uuid.NewString()
}

func (q *RedisQueue) readyKey(kind string) string {
	return fmt.Sprintf("voicejobs:ready:%s", kind)
}

func (q *RedisQueue) handleKey(handle string) string {
	return q.handlePrefix + handle
}

func (q *RedisQueue) revokedKey(handle string) string {
	return q.revokedPrefix + handle
}

// Submit makes the run identified by handle eligible for execution.
func (q *RedisQueue) Submit(ctx context.Context, jobID, kind, handle string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.handleKey(handle), "job_id", jobID, "kind", kind)
	pipe.RPush(ctx, q.readyKey(kind), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("submit %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops a handle from the ready lists (in QueueOrder) and leases it for the visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	keys := make([]string, 0, len(q.kinds)+1)
	for _, k := range q.kinds {
		keys = append(keys, q.readyKey(k))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli(), q.handlePrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply: %v", res)
	}
	return &Delivery{Handle: res[0], JobID: res[1], Kind: res[2]}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight run.
func (q *RedisQueue) ExtendLease(ctx context.Context, handle string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: handle,
	}).Err()
}

// Ack removes a run from in-flight tracking and drops its handle record.
func (q *RedisQueue) Ack(ctx context.Context, handle string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, handle)
	pipe.Del(ctx, q.handleKey(handle))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out and pushes them back onto their ready list.
// Leases whose handle record is gone (revoked or acked) are dropped instead.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	handles, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, nil
	}

	var requeued []string
	pipe := q.client.TxPipeline()
	for _, h := range handles {
		pipe.ZRem(ctx, q.inflightKey, h)
		kind, err := q.client.HGet(ctx, q.handleKey(h), "kind").Result()
		if err != nil || kind == "" {
			continue
		}
		pipe.RPush(ctx, q.readyKey(kind), h)
		requeued = append(requeued, h)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return requeued, nil
}

// Revoke withdraws a run wherever it sits and flags it so an executing worker stops.
func (q *RedisQueue) Revoke(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, k := range q.kinds {
		pipe.LRem(ctx, q.readyKey(k), 0, handle)
	}
	pipe.ZRem(ctx, q.inflightKey, handle)
	pipe.Del(ctx, q.handleKey(handle))
	pipe.Set(ctx, q.revokedKey(handle), 1, q.revokedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsRevoked reports whether the run was revoked.
func (q *RedisQueue) IsRevoked(ctx context.Context, handle string) (bool, error) {
	n, err := q.client.Exists(ctx, q.revokedKey(handle)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Known reports whether the queue still tracks the handle (ready or in flight).
func (q *RedisQueue) Known(ctx context.Context, handle string) (bool, error) {
	n, err := q.client.Exists(ctx, q.handleKey(handle)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DLQPush appends a job id to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of each ready list keyed by kind.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(q.kinds))
	for _, k := range q.kinds {
		cmds[k] = pipe.LLen(ctx, q.readyKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for k, c := range cmds {
		out[k] = c.Val()
	}
	return out, nil
}

// InflightDepth returns the number of leased runs.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  while true do
    local handle = redis.call('LPOP', KEYS[i])
    if not handle then break end
    local meta = ARGV[2] .. handle
    local job = redis.call('HGET', meta, 'job_id')
    if job then
      redis.call('ZADD', inflight, ARGV[1], handle)
      return {handle, job, redis.call('HGET', meta, 'kind')}
    end
  end
end
return nil
`)
