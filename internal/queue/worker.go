package queue

import (
	"context"

	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/rs/zerolog"
)

// Coordinator is the worker's view of the task coordinator.
type Coordinator interface {
	Deploy(ctx context.Context, functionID string) error
	Undeploy(ctx context.Context, functionID string) error
	Invoke(ctx context.Context, functionID string, event map[string]any, requestID string) (*functions.Invocation, error)
}

// Worker dispatches queue tasks to the coordinator. Retry behavior lives in
// the coordinator; a task that ultimately fails is logged and dropped, its
// outcome already recorded on the function or invocation.
type Worker struct {
	queue *Queue
	co    Coordinator
	lg    zerolog.Logger
}

func NewWorker(q *Queue, co Coordinator, lg zerolog.Logger) *Worker {
	return &Worker{
		queue: q,
		co:    co,
		lg:    lg.With().Str("component", "task-worker").Logger(),
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.queue.Run(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, task Task) {
	var err error
	switch task.Type {
	case TaskDeploy:
		err = w.co.Deploy(ctx, task.FunctionID)
	case TaskUndeploy:
		err = w.co.Undeploy(ctx, task.FunctionID)
	case TaskInvoke, TaskTest:
		_, err = w.co.Invoke(ctx, task.FunctionID, task.Event, task.RequestID)
	default:
		w.lg.Error().Str("type", task.Type).Msg("unknown task type")
		return
	}
	if err != nil {
		w.lg.Error().
			Err(err).
			Str("type", task.Type).
			Str("function_id", task.FunctionID).
			Msg("task failed")
	}
}
