package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rag-gate/pkg/metrics"
)

// pendingItem is one entry in the admission structure. Sequence numbers are
// assigned at enqueue and re-enqueue time, so a retried job loses its
// original FIFO seniority.
type pendingItem struct {
	id       string
	priority Priority
	seq      uint64
	index    int
}

type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue owns every job record and the pending admission heap. One mutex
// serializes all mutation so no caller observes a half-applied transition
// and no two dequeuers can claim the same job.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending pendingHeap
	items   map[string]*pendingItem // pending job id -> heap entry
	seq     uint64
	hooks   LifecycleHooks

	// Hook events run on one dispatch goroutine so observers see
	// transitions for a job in the order they were applied.
	hookMu   sync.Mutex
	hookBuf  []func()
	hookWake chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		jobs:     make(map[string]*Job),
		items:    make(map[string]*pendingItem),
		hooks:    NoopHooks{},
		hookWake: make(chan struct{}, 1),
	}
	go q.dispatchHooks()
	return q
}

// SetHooks installs lifecycle hooks; nil restores the noop default.
func (q *Queue) SetHooks(hooks LifecycleHooks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if hooks == nil {
		q.hooks = NoopHooks{}
		return
	}
	q.hooks = hooks
}

// fire appends a hook callback to the ordered dispatch buffer. Called with
// the queue lock held so the buffer order matches transition order; the
// callback itself runs on the dispatch goroutine, off the lock.
func (q *Queue) fire(f func(LifecycleHooks)) {
	h := q.hooks
	q.hookMu.Lock()
	q.hookBuf = append(q.hookBuf, func() {
		defer func() { _ = recover() }()
		f(h)
	})
	q.hookMu.Unlock()

	select {
	case q.hookWake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchHooks() {
	for range q.hookWake {
		for {
			q.hookMu.Lock()
			if len(q.hookBuf) == 0 {
				q.hookMu.Unlock()
				break
			}
			f := q.hookBuf[0]
			q.hookBuf = q.hookBuf[1:]
			q.hookMu.Unlock()
			f()
		}
	}
}

// pushPendingLocked inserts a job into the admission heap with a fresh
// sequence number.
func (q *Queue) pushPendingLocked(job *Job) {
	q.seq++
	item := &pendingItem{id: job.ID, priority: job.Priority, seq: q.seq}
	heap.Push(&q.pending, item)
	q.items[job.ID] = item
	metrics.PendingJobs.Set(float64(len(q.pending)))
}

// dropPendingLocked removes a job's admission heap entry, if it has one. Any
// transition that takes a job out of pending must go through here so no stale
// entry is left for a dequeuer to claim.
func (q *Queue) dropPendingLocked(jobID string) {
	item, ok := q.items[jobID]
	if !ok {
		return
	}
	heap.Remove(&q.pending, item.index)
	delete(q.items, jobID)
	metrics.PendingJobs.Set(float64(len(q.pending)))
}

// Enqueue admits a job in pending status and returns its id. The id is
// generated when unset; reusing an existing id is a caller error.
func (q *Queue) Enqueue(job *Job) (string, error) {
	q.mu.Lock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := q.jobs[job.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	job.Status = StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	q.jobs[job.ID] = job
	q.pushPendingLocked(job)

	snapshot := *job
	q.fire(func(h LifecycleHooks) { h.OnEnqueue(context.Background(), &snapshot) })
	q.mu.Unlock()

	metrics.JobsEnqueuedTotal.WithLabelValues(snapshot.Type, snapshot.Priority.String()).Inc()
	return snapshot.ID, nil
}

// Dequeue atomically claims the pending job with the highest priority,
// breaking ties by enqueue order, and marks it running. Returns nil when no
// job is pending; the queue never blocks waiting for work.
func (q *Queue) Dequeue() *Job {
	q.mu.Lock()

	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}

	item := heap.Pop(&q.pending).(*pendingItem)
	delete(q.items, item.id)
	metrics.PendingJobs.Set(float64(len(q.pending)))

	job := q.jobs[item.id]
	job.Status = StatusRunning
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}

	snapshot := *job
	q.fire(func(h LifecycleHooks) { h.OnDequeue(context.Background(), &snapshot) })
	q.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusRunning)).Inc()
	return &snapshot
}

// validTransition encodes the lifecycle state machine:
// pending -> running | cancelled; running -> completed | failed | cancelled
// | pending; terminal -> pending (explicit retry reset only).
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusPending
	case StatusCompleted, StatusFailed, StatusCancelled:
		return to == StatusPending
	default:
		return false
	}
}

// UpdateStatus applies a lifecycle transition. Terminal transitions stamp
// CompletedAt. A transition back to pending re-enqueues the job with a new
// sequence number and increments its retry counter; the queue does not
// enforce the MaxRetries ceiling, that policy belongs to the caller.
func (q *Queue) UpdateStatus(jobID string, status Status) error {
	q.mu.Lock()

	job, exists := q.jobs[jobID]
	if !exists {
		q.mu.Unlock()
		return &JobNotFound{ID: jobID}
	}
	if !validTransition(job.Status, status) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}

	from := job.Status
	job.Status = status

	switch {
	case status.Terminal():
		// pending -> cancelled arrives here; evict the heap entry so the
		// cancelled job can never be claimed by a later Dequeue.
		q.dropPendingLocked(jobID)
		job.CompletedAt = time.Now()
	case status == StatusPending:
		// Retry reset: back into the admission heap at the tail of its
		// priority tier, with the previous outcome cleared.
		job.RetryCount++
		job.CompletedAt = time.Time{}
		job.Result = nil
		job.Error = ""
		q.pushPendingLocked(job)
	case status == StatusRunning && from == StatusPending:
		// A direct pending->running transition bypasses Dequeue (callers
		// driving a job by hand); drop the heap entry so no worker claims it.
		q.dropPendingLocked(jobID)
		if job.StartedAt.IsZero() {
			job.StartedAt = time.Now()
		}
	}

	snapshot := *job
	switch status {
	case StatusCompleted:
		q.fire(func(h LifecycleHooks) { h.OnComplete(context.Background(), &snapshot) })
	case StatusFailed:
		q.fire(func(h LifecycleHooks) { h.OnFail(context.Background(), &snapshot, snapshot.Error) })
	case StatusCancelled:
		q.fire(func(h LifecycleHooks) { h.OnCancel(context.Background(), &snapshot) })
	}
	q.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
	if status.Terminal() {
		metrics.ObserveJobCompletion(snapshot.Type, snapshot.CreatedAt)
	}
	return nil
}

// UpdateProgress stores a progress value clamped to [0,1] without touching
// the job's status.
func (q *Queue) UpdateProgress(jobID string, progress float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return &JobNotFound{ID: jobID}
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	job.Progress = progress
	return nil
}

// StoreResult attaches a result payload; callers pair it with a completed
// status update.
func (q *Queue) StoreResult(jobID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return &JobNotFound{ID: jobID}
	}
	job.Result = result
	return nil
}

// StoreError attaches a failure message; callers pair it with a failed
// status update.
func (q *Queue) StoreError(jobID string, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return &JobNotFound{ID: jobID}
	}
	job.Error = message
	return nil
}

// Cancel cancels a pending job outright, or flags a running job for its
// worker to stop cooperatively. Returns false for terminal or unknown jobs.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()

	job, exists := q.jobs[jobID]
	if !exists || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}

	q.dropPendingLocked(jobID)

	job.Status = StatusCancelled
	job.CompletedAt = time.Now()

	snapshot := *job
	q.fire(func(h LifecycleHooks) { h.OnCancel(context.Background(), &snapshot) })
	q.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return true
}

// Get returns a snapshot of a job record.
func (q *Queue) Get(jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, &JobNotFound{ID: jobID}
	}
	snapshot := *job
	return &snapshot, nil
}

// List returns a tenant's jobs newest-first, optionally filtered by status,
// truncated to limit when limit > 0.
func (q *Queue) List(tenantID string, status Status, limit int) []*Job {
	q.mu.Lock()

	matched := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		snapshot := *job
		matched = append(matched, &snapshot)
	}
	q.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// PruneOlderThan deletes terminal jobs created before the cutoff and returns
// how many were removed. Pending and running jobs are never pruned.
func (q *Queue) PruneOlderThan(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.JobsPrunedTotal.Add(float64(removed))
	}
	return removed
}

// Len reports the total number of tracked jobs in any status.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// PendingLen reports how many jobs are waiting in the admission heap.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops all queue state. Administrative reset, not part of the normal
// lifecycle.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = make(map[string]*Job)
	q.pending = nil
	q.items = make(map[string]*pendingItem)
	metrics.PendingJobs.Set(0)
}
