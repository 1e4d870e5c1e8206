// Package tasks holds task sources other than the local libSQL queue and the
// cron scheduler that feeds them.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/pkg/schema"
)

// DefaultKeyPrefix namespaces every key the Redis source touches.
const DefaultKeyPrefix = "browserflow:"

// RedisConfig configures a RedisSource.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Owner identifies this worker's leases. Empty gets a random ID.
	Owner string
	Lease time.Duration
}

// RedisSource is a task source shared by many workers through Redis.
//
// Pending tasks sit in a sorted set scored by creation time, claimed tasks in
// a second sorted set scored by lease expiry, and each task's fields in a
// hash. Finished outcomes are also pushed onto a results list for the
// dispatcher. Claims, heartbeats and reports run as Lua scripts so each is
// atomic.
type RedisSource struct {
	client *redis.Client
	prefix string
	owner  string
	lease  time.Duration
	now    func() time.Time
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(ctx context.Context, cfg RedisConfig) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisSourceWithClient(client, cfg), nil
}

// NewRedisSourceWithClient wraps an existing client.
func NewRedisSourceWithClient(client *redis.Client, cfg RedisConfig) *RedisSource {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	owner := cfg.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = store.DefaultLease
	}
	return &RedisSource{client: client, prefix: prefix, owner: owner, lease: lease, now: time.Now}
}

// Close closes the client.
func (s *RedisSource) Close() error { return s.client.Close() }

// Ping checks the connection.
func (s *RedisSource) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisSource) pendingKey() string       { return s.prefix + "pending" }
func (s *RedisSource) runningKey() string       { return s.prefix + "running" }
func (s *RedisSource) resultsKey() string       { return s.prefix + "results" }
func (s *RedisSource) taskPrefix() string       { return s.prefix + "task:" }
func (s *RedisSource) taskKey(id string) string { return s.taskPrefix() + id }

// ResultsKey is the list that receives every reported outcome as JSON.
func (s *RedisSource) ResultsKey() string { return s.resultsKey() }

// Enqueue adds a pending task. An empty ID is filled with a new UUID.
func (s *RedisSource) Enqueue(ctx context.Context, task *schema.Task) error {
	if task.Workflow == "" {
		return schema.NewError(schema.ErrCodeValidation, "task has no workflow")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	fields := map[string]any{
		"workflow":   task.Workflow,
		"status":     string(schema.TaskPending),
		"attempt":    0,
		"owner":      "",
		"created_at": task.CreatedAt.UnixMilli(),
	}
	if len(task.Params) > 0 {
		raw, err := json.Marshal(task.Params)
		if err != nil {
			return fmt.Errorf("marshal task params: %w", err)
		}
		fields["params"] = string(raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(task.ID), fields)
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(task.CreatedAt.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "enqueue task: %s", err.Error()).WithCause(err)
	}
	return nil
}

// claimScript requeues expired leases, then moves the oldest pending task to
// the running set under this owner.
var claimScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(stale) do
  local key = ARGV[4] .. id
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'created_at'), id)
  redis.call('HSET', key, 'status', 'pending', 'owner', '')
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HSET', key, 'status', 'running', 'owner', ARGV[3])
return id
`)

// Poll claims the oldest pending task, or returns (nil, nil) when none is
// pending.
func (s *RedisSource) Poll(ctx context.Context) (*schema.Task, error) {
	now := s.now()
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.pendingKey(), s.runningKey()},
		now.UnixMilli(), now.Add(s.lease).UnixMilli(), s.owner, s.taskPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "claim task: %s", err.Error()).WithCause(err)
	}
	rec, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec.Task, nil
}

// heartbeatScript returns -1 for an unknown task, 0 for a lost lease and 1
// when the lease was extended.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[2], 'status') ~= 'running' or redis.call('HGET', KEYS[2], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// Heartbeat extends this worker's lease on taskID.
func (s *RedisSource) Heartbeat(ctx context.Context, taskID string) error {
	res, err := heartbeatScript.Run(ctx, s.client,
		[]string{s.runningKey(), s.taskKey(taskID)},
		s.owner, s.now().Add(s.lease).UnixMilli(), taskID,
	).Int()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "heartbeat: %s", err.Error()).WithCause(err)
	}
	return leaseResult(res, taskID)
}

// finishScript records an outcome if this owner still holds the lease.
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[2], 'status') ~= 'running' or redis.call('HGET', KEYS[2], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], 'status', ARGV[3], 'owner', '', 'outcome', ARGV[4], 'completed_at', ARGV[5])
redis.call('RPUSH', KEYS[3], ARGV[4])
return 1
`)

// ReportSuccess records a succeeded outcome.
func (s *RedisSource) ReportSuccess(ctx context.Context, out *schema.TaskOutcome) error {
	return s.finish(ctx, out, schema.TaskSucceeded)
}

// ReportFailure records a failed outcome.
func (s *RedisSource) ReportFailure(ctx context.Context, out *schema.TaskOutcome) error {
	return s.finish(ctx, out, schema.TaskFailed)
}

func (s *RedisSource) finish(ctx context.Context, out *schema.TaskOutcome, to schema.TaskStatus) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	res, err := finishScript.Run(ctx, s.client,
		[]string{s.runningKey(), s.taskKey(out.TaskID), s.resultsKey()},
		s.owner, out.TaskID, string(to), string(raw), s.now().UnixMilli(),
	).Int()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "report outcome: %s", err.Error()).WithCause(err)
	}
	return leaseResult(res, out.TaskID)
}

func leaseResult(res int, taskID string) error {
	switch res {
	case 1:
		return nil
	case -1:
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", taskID)
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "lease on task %q lost", taskID)
	}
}

// GetTask reads one task.
func (s *RedisSource) GetTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read task: %s", err.Error()).WithCause(err)
	}
	if len(fields) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
	}

	rec := &store.TaskRecord{
		Task:       schema.Task{ID: id, Workflow: fields["workflow"]},
		Status:     schema.TaskStatus(fields["status"]),
		LeaseOwner: fields["owner"],
	}
	rec.Attempt, _ = strconv.Atoi(fields["attempt"])
	rec.CreatedAt = unixMilli(fields["created_at"])
	rec.CompletedAt = unixMilli(fields["completed_at"])
	if p := fields["params"]; p != "" {
		if err := json.Unmarshal([]byte(p), &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params of task %s: %w", id, err)
		}
	}
	if o := fields["outcome"]; o != "" {
		rec.Outcome = &schema.TaskOutcome{}
		if err := json.Unmarshal([]byte(o), rec.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome of task %s: %w", id, err)
		}
		rec.RunID = rec.Outcome.RunID
	}
	if rec.Status == schema.TaskRunning {
		if score, err := s.client.ZScore(ctx, s.runningKey(), id).Result(); err == nil {
			rec.LeaseExpiresAt = time.UnixMilli(int64(score)).UTC()
		}
	}
	return rec, nil
}

func unixMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
