package execution

import (
	"context"
	"fmt"
	"log"
	"sync"

	"redactiq/internal/models"
)

// JobRunner executes one job run to a terminal state. Implemented by the
// JobController.
type JobRunner interface {
	RunJob(ctx context.Context, job *models.JobRun)
}

// Scheduler runs at most maxConcurrent jobs at once; additional submissions
// queue in FIFO order. Submission order determines dispatch order — no
// priorities, no reordering. The queue and running set are the only state
// shared across workers and are guarded by one mutex.
type Scheduler struct {
	runner        JobRunner
	maxConcurrent int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*models.JobRun
	running map[string]bool
	closed  bool

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler with the given concurrency bound
// (default 4).
func NewScheduler(runner JobRunner, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s := &Scheduler{
		runner:        runner,
		maxConcurrent: maxConcurrent,
		running:       make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. The context only governs shutdown: once
// it is cancelled, workers finish their current job and exit. Jobs
// themselves never run under it — a model call, once sent, runs to
// completion or its own timeout.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("🚀 [SCHEDULER] Starting %d workers", s.maxConcurrent)
	for i := 0; i < s.maxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()
}

// Submit enqueues a job run. The run must already exist as a Pending record
// in the job store; the in-memory queue is authoritative only while the
// process lives, and is rebuilt from Pending records on startup.
func (s *Scheduler) Submit(job *models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler is shut down")
	}

	s.queue = append(s.queue, job)
	log.Printf("📥 [SCHEDULER] Queued job %s (position %d)", job.ID, len(s.queue)-1)
	s.cond.Signal()
	return nil
}

// QueuePosition returns the job's 0-based position in the queue, or -1 if
// it is already running or unknown.
func (s *Scheduler) QueuePosition(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.queue {
		if job.ID == jobID {
			return i
		}
	}
	return -1
}

// RunningCount returns the number of jobs currently executing.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop waits for the workers to finish their current jobs. In-flight jobs
// run to completion; still-queued jobs stay Pending in the store and are
// re-enqueued on the next start.
func (s *Scheduler) Stop() {
	s.wg.Wait()
	log.Printf("🛑 [SCHEDULER] All workers stopped")
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		job := s.dequeue()
		if job == nil {
			return
		}

		// Jobs get their own context, detached from shutdown. Cancelling a
		// model invocation mid-block would leave the run stuck Running with
		// no terminal state ever written.
		s.runner.RunJob(context.Background(), job)

		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}
}

// dequeue blocks until a job is available or the scheduler shuts down. After
// shutdown no further jobs are handed out: whatever is still queued remains
// Pending for startup recovery instead of being drained under a dying
// process.
func (s *Scheduler) dequeue() *models.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed || len(s.queue) == 0 {
		return nil
	}

	job := s.queue[0]
	s.queue = s.queue[1:]
	s.running[job.ID] = true
	return job
}
