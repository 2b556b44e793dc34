package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

// Queue is a bounded job queue drained by a fixed number of workers.
type Queue struct {
	jobs    chan Job
	workers int

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue adds job without blocking. It reports false when the queue is
// full or stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Len is the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) StartRunner() {
	q.started.Do(func() {
		for range q.workers {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				for job := range q.jobs {
					if err := job.Run(); err != nil {
						if job.OnFail != nil {
							job.OnFail(err)
						}
					}
				}
			}()
		}
	})
}

// Stop refuses new jobs and waits for the queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
