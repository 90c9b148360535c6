package utils

import (
	"context"
	"hash/fnv"
	"sync"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// queue is an unbounded FIFO owned by one worker.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []Job
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// WorkerPool manages a pool of workers to execute jobs. Jobs submitted with
// the same key always run on the same worker, in submission order. Submit
// never blocks: queues grow as needed.
type WorkerPool struct {
	workers   int
	queues    []*queue
	waitGroup sync.WaitGroup
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}

	pool := &WorkerPool{
		workers: workers,
		queues:  make([]*queue, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		pool.queues[i] = newQueue()
		go pool.worker(pool.queues[i])
	}

	return pool
}

// worker processes jobs from its queue until the queue is closed and empty.
func (wp *WorkerPool) worker(q *queue) {
	defer wp.waitGroup.Done()
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = Job{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job.Task()
	}
}

// Submit adds a new job to the queue owned by key. It returns false once the
// pool has been shut down.
func (wp *WorkerPool) Submit(key string, task func()) bool {
	q := wp.queues[wp.slot(key)]

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, Job{Task: task})
	q.cond.Signal()
	return true
}

// Pending returns the number of queued jobs not yet picked up by a worker.
func (wp *WorkerPool) Pending() int {
	n := 0
	for _, q := range wp.queues {
		q.mu.Lock()
		n += len(q.jobs)
		q.mu.Unlock()
	}
	return n
}

func (wp *WorkerPool) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(wp.workers))
}

// Shutdown stops accepting jobs and waits for the queues to drain. When ctx
// ends first, jobs still queued are discarded and their count is returned
// with ctx's error; jobs already running are left to finish on their own.
func (wp *WorkerPool) Shutdown(ctx context.Context) (int, error) {
	for _, q := range wp.queues {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		wp.waitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0, nil
	case <-ctx.Done():
	}

	dropped := 0
	for _, q := range wp.queues {
		q.mu.Lock()
		dropped += len(q.jobs)
		q.jobs = nil
		q.mu.Unlock()
	}
	return dropped, ctx.Err()
}
