package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("queue stopped")

type Job struct {
	ID     string
	Run    func(ctx context.Context) error
	OnFail func(error)
}

// Queue is a bounded FIFO of jobs drained by a fixed number of workers.
type Queue struct {
	jobs    chan Job
	workers int
	l       *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewQueue(size, workers int, l *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
		l:       l,
	}
}

// Enqueue adds a job without blocking. It reports false when the queue is
// full and ErrStopped once Stop has been called.
func (q *Queue) Enqueue(job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false, ErrStopped
	}

	select {
	case q.jobs <- job:
		return true, nil
	default:
		return false, nil
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start launches the workers. Jobs run under ctx.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for job := range q.jobs {
				q.l.Info("running job", "job", job.ID, "worker", worker)
				if err := job.Run(ctx); err != nil {
					q.l.Error("job failed", "job", job.ID, "error", err)
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}(i)
	}
}

// Stop refuses new jobs and waits for the queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}
