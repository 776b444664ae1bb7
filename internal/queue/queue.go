// Package queue runs deploy, undeploy, and invoke operations as background
// jobs on a redis list. Producers push JSON task envelopes; the worker pops
// them and dispatches each in its own goroutine, so jobs for different
// functions run concurrently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Task types.
const (
	TaskDeploy   = "deploy"
	TaskUndeploy = "undeploy"
	TaskInvoke   = "invoke"
	TaskTest     = "test"
)

const defaultKey = "fnbox:tasks"

// Task is one background job envelope.
type Task struct {
	Type       string         `json:"type"`
	FunctionID string         `json:"function_id"`
	RequestID  string         `json:"request_id,omitempty"`
	Event      map[string]any `json:"event,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

type Queue struct {
	rdb *redis.Client
	key string
	lg  zerolog.Logger
}

func New(addr string, lg zerolog.Logger) *Queue {
	return &Queue{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		key: defaultKey,
		lg:  lg.With().Str("component", "task-queue").Logger(),
	}
}

// Enqueue pushes a task onto the queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	task.EnqueuedAt = time.Now().UTC()
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	q.lg.Debug().Str("type", task.Type).Str("function_id", task.FunctionID).Msg("task enqueued")
	return nil
}

// Run pops tasks until the context is cancelled, handing each one to the
// handler on its own goroutine.
func (q *Queue) Run(ctx context.Context, handle func(context.Context, Task)) {
	q.lg.Info().Msg("task worker started")
	for {
		if ctx.Err() != nil {
			q.lg.Info().Msg("task worker stopping")
			return
		}

		res, err := q.rdb.BRPop(ctx, 5*time.Second, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.lg.Error().Err(err).Msg("failed to fetch task")
			time.Sleep(5 * time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.lg.Error().Err(err).Msg("dropping malformed task")
			continue
		}

		go handle(ctx, task)
	}
}

// Close releases the redis connection.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
