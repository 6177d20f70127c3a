// Package taskqueue provides a small delayed-task queue on top of the
// lock store: submit a task with a delay, consume it when due.
// Delivery is at-least-once; handlers must tolerate duplicates.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"booking-engine/internal/status"
)

// Handler processes one due task. Returning an error re-schedules the
// task after the queue's retry delay.
type Handler func(ctx context.Context, taskID string, payload []byte) error

// Queue is the scheduling contract the booking flow depends on.
// Submit is deduplicated by task id, so scheduling the same task twice
// is a no-op.
type Queue interface {
	Submit(ctx context.Context, taskID string, payload []byte, delay time.Duration) (bool, error)
	Consume(handler Handler)
	Shutdown()
}

// submitScript adds the member only if absent (ZADD NX) and stores the
// payload only for a fresh member, keeping dedup and payload write in
// one atomic step.
const submitScript = `
local added = redis.call('ZADD', KEYS[1], 'NX', ARGV[1], ARGV[2])
if added == 1 then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
end
return added
`

// claimScript pops up to ARGV[2] due members and their payloads in one
// atomic step so two consumers never claim the same task.
const claimScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for i = 1, #due do
  redis.call('ZREM', KEYS[1], due[i])
  local p = redis.call('HGET', KEYS[2], due[i])
  redis.call('HDEL', KEYS[2], due[i])
  out[#out+1] = due[i]
  out[#out+1] = p or ''
end
return out
`

// RedisQueue is the sorted-set implementation of Queue. The score is
// the absolute fire time in unix milliseconds.
type RedisQueue struct {
	redis *redis.Client
	name  string

	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
	Now          func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		redis:        client,
		name:         name,
		PollInterval: time.Second,
		BatchSize:    100,
		RetryDelay:   5 * time.Second,
		Now:          time.Now,
		stopChan:     make(chan struct{}),
	}
}

func (q *RedisQueue) pendingKey() string { return fmt.Sprintf("tasks:%s:pending", q.name) }
func (q *RedisQueue) payloadKey() string { return fmt.Sprintf("tasks:%s:payload", q.name) }

// Submit schedules taskID to fire after delay. Returns false when the
// task is already scheduled (dedup by id).
func (q *RedisQueue) Submit(ctx context.Context, taskID string, payload []byte, delay time.Duration) (bool, error) {
	score := q.Now().Add(delay).UnixMilli()
	added, err := q.redis.Eval(ctx, submitScript,
		[]string{q.pendingKey(), q.payloadKey()},
		score, taskID, string(payload)).Int64()
	if err != nil {
		return false, fmt.Errorf("taskqueue: Submit: %w: %v", status.ErrLockStoreUnavailable, err)
	}
	return added == 1, nil
}

// Consume starts the poller goroutine. Call Shutdown to stop it.
func (q *RedisQueue) Consume(handler Handler) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				q.runOnce(context.Background(), handler)
			case <-q.stopChan:
				return
			}
		}
	}()
}

// runOnce claims one batch of due tasks and dispatches them.
func (q *RedisQueue) runOnce(ctx context.Context, handler Handler) {
	res, err := q.redis.Eval(ctx, claimScript,
		[]string{q.pendingKey(), q.payloadKey()},
		q.Now().UnixMilli(), q.BatchSize).Slice()
	if err != nil {
		slog.Error("taskqueue: claim failed", "queue", q.name, "error", err)
		return
	}

	for i := 0; i+1 < len(res); i += 2 {
		taskID, _ := res[i].(string)
		payload, _ := res[i+1].(string)
		if taskID == "" {
			continue
		}

		if err := handler(ctx, taskID, []byte(payload)); err != nil {
			slog.Error("taskqueue: handler failed, rescheduling",
				"queue", q.name, "task_id", taskID, "error", err)
			if _, subErr := q.Submit(ctx, taskID, []byte(payload), q.RetryDelay); subErr != nil {
				slog.Error("taskqueue: reschedule failed", "queue", q.name, "task_id", taskID, "error", subErr)
			}
		}
	}
}

// Shutdown stops the poller and waits for in-flight handlers.
func (q *RedisQueue) Shutdown() {
	close(q.stopChan)
	q.wg.Wait()
}
