package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, q *Queue, id string, priority Priority) string {
	t.Helper()
	job := NewJob("batch_embed", "acme", nil)
	if id != "" {
		job.ID = id
	}
	job.Priority = priority
	got, err := q.Enqueue(job)
	require.NoError(t, err)
	return got
}

func TestEnqueueDequeue(t *testing.T) {
	q := NewQueue()

	job := NewJob("batch_embed", "acme", []byte(`{"chunk_ids":["c1"]}`))
	id, err := q.Enqueue(job)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	deq := q.Dequeue()
	require.NotNil(t, deq)
	assert.Equal(t, id, deq.ID)
	assert.Equal(t, StatusRunning, deq.Status)
	assert.False(t, deq.StartedAt.IsZero())

	assert.Nil(t, q.Dequeue(), "empty queue returns nil without blocking")
}

func TestEnqueueDuplicateID(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	job := NewJob("batch_embed", "acme", nil)
	job.ID = "job-1"
	_, err := q.Enqueue(job)
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestEnqueueForcesPending(t *testing.T) {
	q := NewQueue()

	job := NewJob("batch_embed", "acme", nil)
	job.Status = StatusRunning
	id, err := q.Enqueue(job)
	require.NoError(t, err)

	stored, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestPriorityOrdering(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "j-normal", PriorityNormal)
	enqueue(t, q, "j-critical", PriorityCritical)
	enqueue(t, q, "j-low", PriorityLow)
	enqueue(t, q, "j-high", PriorityHigh)

	var order []string
	for job := q.Dequeue(); job != nil; job = q.Dequeue() {
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"j-critical", "j-high", "j-normal", "j-low"}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	enqueue(t, q, "job-2", PriorityNormal)
	enqueue(t, q, "job-3", PriorityNormal)

	assert.Equal(t, "job-1", q.Dequeue().ID)
	assert.Equal(t, "job-2", q.Dequeue().ID)
	assert.Equal(t, "job-3", q.Dequeue().ID)
}

func TestRetryLosesSeniority(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-old", PriorityNormal)
	enqueue(t, q, "job-young", PriorityNormal)

	deq := q.Dequeue()
	require.Equal(t, "job-old", deq.ID)

	// Fail and retry: job-old re-enters behind job-young.
	require.NoError(t, q.UpdateStatus("job-old", StatusFailed))
	require.NoError(t, q.UpdateStatus("job-old", StatusPending))

	assert.Equal(t, "job-young", q.Dequeue().ID)
	assert.Equal(t, "job-old", q.Dequeue().ID)

	retried, err := q.Get("job-old")
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestRetryClearsOutcome(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.StoreError("job-1", "boom"))
	require.NoError(t, q.UpdateStatus("job-1", StatusFailed))

	failed, _ := q.Get("job-1")
	assert.Equal(t, "boom", failed.Error)
	assert.False(t, failed.CompletedAt.IsZero())

	require.NoError(t, q.UpdateStatus("job-1", StatusPending))
	retried, _ := q.Get("job-1")
	assert.Empty(t, retried.Error)
	assert.Nil(t, retried.Result)
	assert.True(t, retried.CompletedAt.IsZero())
}

func TestInvalidTransitions(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)

	// pending -> completed skips running.
	assert.ErrorIs(t, q.UpdateStatus("job-1", StatusCompleted), ErrInvalidTransition)

	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.UpdateStatus("job-1", StatusCompleted))

	// No transition out of a terminal state except the pending retry reset.
	assert.ErrorIs(t, q.UpdateStatus("job-1", StatusRunning), ErrInvalidTransition)
	assert.ErrorIs(t, q.UpdateStatus("job-1", StatusFailed), ErrInvalidTransition)
}

func TestUpdateStatusUnknownJob(t *testing.T) {
	q := NewQueue()

	err := q.UpdateStatus("nope", StatusRunning)
	var notFound *JobNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func TestTerminalTransitionStampsCompletedAt(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.StoreResult("job-1", []byte(`{"embedded_count":3}`)))
	require.NoError(t, q.UpdateStatus("job-1", StatusCompleted))

	done, err := q.Get("job-1")
	require.NoError(t, err)
	assert.False(t, done.CompletedAt.IsZero())
	assert.JSONEq(t, `{"embedded_count":3}`, string(done.Result))
}

func TestProgressClamping(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)

	require.NoError(t, q.UpdateProgress("job-1", 1.5))
	job, _ := q.Get("job-1")
	assert.Equal(t, 1.0, job.Progress)

	require.NoError(t, q.UpdateProgress("job-1", -0.5))
	job, _ = q.Get("job-1")
	assert.Equal(t, 0.0, job.Progress)

	require.NoError(t, q.UpdateProgress("job-1", 0.42))
	job, _ = q.Get("job-1")
	assert.Equal(t, 0.42, job.Progress)
}

func TestCancelMatrix(t *testing.T) {
	q := NewQueue()

	// Pending: cancelled and removed from the admission heap.
	enqueue(t, q, "pending-job", PriorityNormal)
	assert.True(t, q.Cancel("pending-job"))
	job, _ := q.Get("pending-job")
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Nil(t, q.Dequeue(), "cancelled pending job must not dequeue")

	// Running: cooperative signal only.
	enqueue(t, q, "running-job", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	assert.True(t, q.Cancel("running-job"))
	job, _ = q.Get("running-job")
	assert.Equal(t, StatusCancelled, job.Status)

	// Terminal: no-op.
	enqueue(t, q, "done-job", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.UpdateStatus("done-job", StatusCompleted))
	assert.False(t, q.Cancel("done-job"))

	// Unknown id.
	assert.False(t, q.Cancel("missing-job"))
}

func TestCancelPendingViaUpdateStatus(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	require.NoError(t, q.UpdateStatus("job-1", StatusCancelled))

	job, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.False(t, job.CompletedAt.IsZero())

	// The heap entry must be gone: a dequeuer can never claim the
	// cancelled job and drag it back to running.
	assert.Equal(t, 0, q.PendingLen())
	assert.Nil(t, q.Dequeue())
}

func TestCancelPendingViaUpdateStatusThenPrune(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	require.NoError(t, q.UpdateStatus("job-1", StatusCancelled))

	removed := q.PruneOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)

	// No stale heap entry may survive the pruned record.
	assert.Nil(t, q.Dequeue())
	assert.Equal(t, 0, q.Len())
}

func TestPruningSelectivity(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "completed-job", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.UpdateStatus("completed-job", StatusCompleted))

	enqueue(t, q, "failed-job", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.UpdateStatus("failed-job", StatusFailed))

	enqueue(t, q, "cancelled-job", PriorityNormal)
	require.True(t, q.Cancel("cancelled-job"))

	enqueue(t, q, "pending-job", PriorityNormal)
	enqueue(t, q, "running-job", PriorityCritical)
	deq := q.Dequeue()
	require.Equal(t, "running-job", deq.ID)

	removed := q.PruneOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, q.Len())

	_, err := q.Get("pending-job")
	assert.NoError(t, err)
	_, err = q.Get("running-job")
	assert.NoError(t, err)
	_, err = q.Get("completed-job")
	assert.Error(t, err)
}

func TestListJobs(t *testing.T) {
	q := NewQueue()

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := NewJob("batch_embed", "acme", nil)
		job.ID = fmt.Sprintf("acme-%d", i)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := q.Enqueue(job)
		require.NoError(t, err)
	}
	other := NewJob("batch_embed", "zen", nil)
	other.ID = "zen-1"
	_, err := q.Enqueue(other)
	require.NoError(t, err)

	// Newest first, tenant scoped.
	list := q.List("acme", "", 0)
	require.Len(t, list, 5)
	assert.Equal(t, "acme-4", list[0].ID)
	assert.Equal(t, "acme-0", list[4].ID)

	// Truncation.
	assert.Len(t, q.List("acme", "", 2), 2)

	// Status filter.
	require.NotNil(t, q.Dequeue())
	running := q.List("acme", StatusRunning, 0)
	require.Len(t, running, 1)
	pending := q.List("acme", StatusPending, 0)
	assert.Len(t, pending, 4)
}

func TestEndToEndRetryScenario(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	enqueue(t, q, "job-2", PriorityCritical)

	deq := q.Dequeue()
	require.Equal(t, "job-2", deq.ID, "critical dequeues first")

	require.NoError(t, q.UpdateStatus("job-2", StatusFailed))
	require.NoError(t, q.UpdateStatus("job-2", StatusPending))

	// job-2 is still critical so it outranks job-1 even with a new sequence.
	assert.Equal(t, "job-2", q.Dequeue().ID)
	assert.Equal(t, "job-1", q.Dequeue().ID)
}

func TestEndToEndRetryLosesTieBreak(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	enqueue(t, q, "job-2", PriorityNormal)

	require.Equal(t, "job-1", q.Dequeue().ID)
	require.NoError(t, q.UpdateStatus("job-1", StatusFailed))
	require.NoError(t, q.UpdateStatus("job-1", StatusPending))

	// The retried job re-enters behind its peer of equal priority.
	assert.Equal(t, "job-2", q.Dequeue().ID)
	assert.Equal(t, "job-1", q.Dequeue().ID)
}

func TestConcurrentDequeueClaimsEachJobOnce(t *testing.T) {
	q := NewQueue()

	const jobCount = 200
	for i := 0; i < jobCount; i++ {
		enqueue(t, q, fmt.Sprintf("job-%d", i), Priority(i%4))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]int)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job := q.Dequeue()
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	assert.Equal(t, 0, q.PendingLen())
}

func TestHooksFire(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	events := []string{}
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}
	q.SetHooks(funcHooks{record: record})

	enqueue(t, q, "job-1", PriorityNormal)
	require.NotNil(t, q.Dequeue())
	require.NoError(t, q.UpdateStatus("job-1", StatusCompleted))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"enqueue", "dequeue", "complete"}, events)
}

func TestHooksFireInTransitionOrder(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	events := []string{}
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}
	q.SetHooks(funcHooks{record: record})

	// Several back-to-back lifecycles; the audit trail must never see a
	// dequeue before its enqueue.
	const rounds = 20
	for i := 0; i < rounds; i++ {
		enqueue(t, q, fmt.Sprintf("job-%d", i), PriorityNormal)
		require.NotNil(t, q.Dequeue())
		require.NoError(t, q.UpdateStatus(fmt.Sprintf("job-%d", i), StatusCompleted))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == rounds*3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < rounds; i++ {
		assert.Equal(t, []string{"enqueue", "dequeue", "complete"}, events[i*3:i*3+3])
	}
}

type funcHooks struct {
	record func(string)
}

func (h funcHooks) OnEnqueue(ctx context.Context, job *Job)             { h.record("enqueue") }
func (h funcHooks) OnDequeue(ctx context.Context, job *Job)             { h.record("dequeue") }
func (h funcHooks) OnComplete(ctx context.Context, job *Job)            { h.record("complete") }
func (h funcHooks) OnFail(ctx context.Context, job *Job, reason string) { h.record("fail") }
func (h funcHooks) OnCancel(ctx context.Context, job *Job)              { h.record("cancel") }

func TestClear(t *testing.T) {
	q := NewQueue()

	enqueue(t, q, "job-1", PriorityNormal)
	enqueue(t, q, "job-2", PriorityNormal)
	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, q.PendingLen())

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.PendingLen())
	assert.Nil(t, q.Dequeue())
}
