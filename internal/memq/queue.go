package memq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of dispatch work: hand the stored video for JobID to the
// external worker. Job state lives in the registry, not here.
type Task struct {
	JobID    uuid.UUID
	VideoRef string
	Enqueued time.Time
}

type TaskHandler func(ctx context.Context, t Task) error

// Queue decouples upload latency from dispatch latency: the upload handler
// enqueues and returns, consumers run the handler in the background.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	StartConsumers(ctx context.Context, n int, handler TaskHandler)
	Len() int
	Close() error
}

type memQueue struct {
	buf     chan Task
	maxWait time.Duration
}

// NewMemoryQueue returns an in-process queue with the given buffer size.
// Each task handler runs under a context bounded by maxTaskDuration.
func NewMemoryQueue(buffer int, maxTaskDuration time.Duration) Queue {
	return &memQueue{
		buf:     make(chan Task, buffer),
		maxWait: maxTaskDuration,
	}
}

func (q *memQueue) Enqueue(ctx context.Context, t Task) error {
	if t.Enqueued.IsZero() {
		t.Enqueued = time.Now()
	}
	select {
	case q.buf <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memQueue) StartConsumers(ctx context.Context, n int, handler TaskHandler) {
	for i := 0; i < n; i++ {
		go func(workerID int) {
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.buf:
					runCtx, cancel := context.WithTimeout(ctx, q.maxWait)
					err := handler(runCtx, t)
					cancel()

					if err != nil {
						slog.Error("dispatch task failed", "job_id", t.JobID, "err", err, "worker", workerID)
					} else {
						slog.Info("dispatch task done", "job_id", t.JobID, "worker", workerID,
							"waited", time.Since(t.Enqueued))
					}
				}
			}
		}(i + 1)
	}
}

func (q *memQueue) Len() int {
	return len(q.buf)
}

func (q *memQueue) Close() error {
	// In-memory queue doesn't need cleanup
	return nil
}
