package runners

import (
	"context"
	"sync"

	"github.com/mikelund/magpie/jobqueue"
	"github.com/mikelund/magpie/tasks"
)

// Runners manages a pool of concurrent job runners.
type Runners struct {
	queue   *jobqueue.Queue
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Runners instance.
func New(queue *jobqueue.Queue) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
	}

	// Start a goroutine to listen to the signal channel.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				// When a signal is received, attempt to pick up a new job.
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops the runners from accepting new jobs.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// CheckForJobs attempts to claim and run a new job if the runners are not at capacity.
// This can be called externally or triggered by signals.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryFetchJobAndRun()
}

// runJob starts a single job in a separate goroutine. Once it completes,
// we decrement the running count and attempt to fetch the next job.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	go func() {
		defer func() {
			r.mu.Lock()
			r.running--
			// After finishing this job, try fetching another one
			r.tryFetchJobAndRun()
			r.mu.Unlock()
		}()

		tasksMap := tasks.GetTasks()
		task, exists := tasksMap[j.Kind]
		if !exists {
			r.queue.ErrorJob(j.ID, "no handler for job kind: "+j.Kind)
			return
		}

		// The handlers finalize job state themselves; the error return is
		// informational here.
		_ = task.Fn(j, r.queue, &r.mu)
	}()
}

// tryFetchJobAndRun tries to fetch a new job if capacity allows.
func (r *Runners) tryFetchJobAndRun() {
	job, err := r.queue.ClaimJob()
	if err != nil || job == nil {
		// No job available or error encountered.
		return
	}

	r.runJob(job)
}
