package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rag-gate/pkg/jobs"
	"rag-gate/pkg/logging"
)

// ProgressFunc lets a handler report completion in [0,1] while it runs.
type ProgressFunc func(progress float64)

// Handler executes one job and returns its result payload. A returned error
// marks the attempt failed; the pool drives the retry policy.
type Handler func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error)

// Pool runs a fixed number of goroutines that poll the queue for the
// highest-priority pending job, execute it through a per-type handler, and
// report status, progress, and results back into the queue.
//
// The pool owns the retry policy: a failed attempt is re-enqueued (losing
// FIFO seniority) until the job's RetryCount reaches MaxRetries.
type Pool struct {
	id           string
	queue        *jobs.Queue
	handlers     map[string]Handler
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewPool(id string, queue *jobs.Queue) *Pool {
	return &Pool{
		id:           id,
		queue:        queue,
		handlers:     make(map[string]Handler),
		concurrency:  1,
		pollInterval: 250 * time.Millisecond,
		jobTimeout:   5 * time.Minute,
		stopCh:       make(chan struct{}),
		log:          logging.Named("worker"),
	}
}

// RegisterHandler installs the handler for a job type, replacing any
// previous one.
func (p *Pool) RegisterHandler(jobType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

// SetConcurrency sets the number of polling goroutines; minimum 1.
func (p *Pool) SetConcurrency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 {
		n = 1
	}
	p.concurrency = n
}

// SetPollInterval sets the idle polling cadence; floor 10ms.
func (p *Pool) SetPollInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	p.pollInterval = d
}

// SetJobTimeout bounds a single handler execution.
func (p *Pool) SetJobTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.jobTimeout = d
	}
}

// Start launches the polling goroutines. Returns an error if already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool %s already running", p.id)
	}
	p.running = true
	n := p.concurrency
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, fmt.Sprintf("%s-%d", p.id, i))
	}
	p.log.Info("worker pool started", zap.String("pool_id", p.id), zap.Int("concurrency", n))
	return nil
}

// Stop signals the goroutines and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("worker pool stopped", zap.String("pool_id", p.id))
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.mu.Lock()
	interval := p.pollInterval
	p.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Drain available work before going back to sleep.
			for p.processOne(ctx, workerID) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne claims and executes a single job. Returns false when the queue
// had nothing pending.
func (p *Pool) processOne(ctx context.Context, workerID string) bool {
	job := p.queue.Dequeue()
	if job == nil {
		return false
	}

	log := p.log.With(
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("tenant_id", job.TenantID))

	p.mu.Lock()
	handler, ok := p.handlers[job.Type]
	timeout := p.jobTimeout
	p.mu.Unlock()

	if !ok {
		log.Warn("no handler registered for job type")
		p.failJob(job, fmt.Errorf("no handler registered for job type %q", job.Type), log)
		return true
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	report := func(progress float64) {
		_ = p.queue.UpdateProgress(job.ID, progress)
	}
	result, err := handler(jobCtx, job, report)
	cancel()

	// A cancel issued while the handler ran wins over its outcome.
	if current, getErr := p.queue.Get(job.ID); getErr == nil && current.Status == jobs.StatusCancelled {
		log.Info("job cancelled during execution")
		return true
	}

	if err != nil {
		p.failJob(job, err, log)
		return true
	}

	if result != nil {
		_ = p.queue.StoreResult(job.ID, result)
	}
	_ = p.queue.UpdateProgress(job.ID, 1)
	if err := p.queue.UpdateStatus(job.ID, jobs.StatusCompleted); err != nil {
		log.Error("completing job", zap.Error(err))
		return true
	}
	log.Info("job completed")
	return true
}

// failJob records the failure and re-enqueues the job while retries remain.
func (p *Pool) failJob(job *jobs.Job, cause error, log *zap.Logger) {
	_ = p.queue.StoreError(job.ID, cause.Error())
	if err := p.queue.UpdateStatus(job.ID, jobs.StatusFailed); err != nil {
		var notFound *jobs.JobNotFound
		if !errors.As(err, &notFound) {
			log.Error("failing job", zap.Error(err))
		}
		return
	}

	current, err := p.queue.Get(job.ID)
	if err != nil {
		return
	}
	if current.RetryCount < current.MaxRetries {
		if err := p.queue.UpdateStatus(job.ID, jobs.StatusPending); err != nil {
			log.Error("re-enqueueing job for retry", zap.Error(err))
			return
		}
		log.Warn("job failed, retrying",
			zap.Error(cause),
			zap.Int("retry_count", current.RetryCount+1),
			zap.Int("max_retries", current.MaxRetries))
		return
	}
	log.Error("job failed permanently", zap.Error(cause), zap.Int("retry_count", current.RetryCount))
}
