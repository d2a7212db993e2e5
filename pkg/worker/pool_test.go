package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-gate/pkg/jobs"
)

func newFastPool(t *testing.T, queue *jobs.Queue) *Pool {
	t.Helper()
	pool := NewPool("test-pool", queue)
	pool.SetConcurrency(2)
	pool.SetPollInterval(10 * time.Millisecond)
	return pool
}

func awaitStatus(t *testing.T, queue *jobs.Queue, jobID string, want jobs.Status) *jobs.Job {
	t.Helper()
	var got *jobs.Job
	require.Eventually(t, func() bool {
		job, err := queue.Get(jobID)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func TestPoolCompletesJob(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	pool.RegisterHandler("echo", func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error) {
		report(0.5)
		return job.Payload, nil
	})

	job := jobs.NewJob("echo", "acme", []byte(`{"hello":"world"}`))
	id, err := queue.Enqueue(job)
	require.NoError(t, err)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	done := awaitStatus(t, queue, id, jobs.StatusCompleted)
	assert.JSONEq(t, `{"hello":"world"}`, string(done.Result))
	assert.Equal(t, 1.0, done.Progress)
	assert.Empty(t, done.Error)
}

func TestPoolRetriesUntilCeiling(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	var attempts atomic.Int32
	pool.RegisterHandler("flaky", func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error) {
		attempts.Add(1)
		return nil, errors.New("transient failure")
	})

	job := jobs.NewJob("flaky", "acme", nil)
	job.MaxRetries = 2
	id, err := queue.Enqueue(job)
	require.NoError(t, err)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	failed := awaitStatus(t, queue, id, jobs.StatusFailed)

	// Block until the pool has stopped re-enqueueing: retry count at ceiling
	// and no pending work left.
	require.Eventually(t, func() bool {
		job, err := queue.Get(id)
		return err == nil && job.Status == jobs.StatusFailed && job.RetryCount == 2 && queue.PendingLen() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), attempts.Load())
	failed, err = queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "transient failure", failed.Error)
	assert.Equal(t, 2, failed.RetryCount)
}

func TestPoolRecoversAfterRetry(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	var attempts atomic.Int32
	pool.RegisterHandler("second-try", func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return []byte(`"ok"`), nil
	})

	job := jobs.NewJob("second-try", "acme", nil)
	id, err := queue.Enqueue(job)
	require.NoError(t, err)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	done := awaitStatus(t, queue, id, jobs.StatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Empty(t, done.Error, "retry clears the previous failure")
}

func TestPoolFailsJobWithoutHandler(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	job := jobs.NewJob("unknown-type", "acme", nil)
	job.MaxRetries = 0
	id, err := queue.Enqueue(job)
	require.NoError(t, err)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	failed := awaitStatus(t, queue, id, jobs.StatusFailed)
	assert.Contains(t, failed.Error, "no handler registered")
}

func TestPoolHonorsMidExecutionCancel(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	started := make(chan struct{})
	release := make(chan struct{})
	pool.RegisterHandler("slow", func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error) {
		close(started)
		<-release
		return []byte(`"should be discarded"`), nil
	})

	job := jobs.NewJob("slow", "acme", nil)
	id, err := queue.Enqueue(job)
	require.NoError(t, err)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	<-started
	require.True(t, queue.Cancel(id), "cancel on a running job signals the worker")
	close(release)

	cancelled := awaitStatus(t, queue, id, jobs.StatusCancelled)
	assert.Nil(t, cancelled.Result, "result from a cancelled run is discarded")
}

func TestPoolStartTwice(t *testing.T) {
	queue := jobs.NewQueue()
	pool := newFastPool(t, queue)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()
	assert.Error(t, pool.Start(context.Background()))
}

func TestBatchEmbedHandler(t *testing.T) {
	handler := NewBatchEmbedHandler(countingEmbedder{}, "default-model")

	payload, _ := json.Marshal(BatchEmbedPayload{
		TenantID: "acme",
		ChunkIDs: []string{"c1", "c2", "c3"},
	})
	job := jobs.NewJob(BatchEmbedJobType, "acme", payload)

	out, err := handler(context.Background(), job, func(float64) {})
	require.NoError(t, err)

	var result BatchEmbedResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 3, result.EmbeddedCount)
	assert.Equal(t, "default-model", result.Model, "payload without a model falls back to the default")
}

func TestBatchEmbedHandlerBadPayload(t *testing.T) {
	handler := NewBatchEmbedHandler(countingEmbedder{}, "default-model")

	job := jobs.NewJob(BatchEmbedJobType, "acme", []byte("not json"))
	_, err := handler(context.Background(), job, func(float64) {})
	assert.Error(t, err)
}

type countingEmbedder struct{}

func (countingEmbedder) EmbedChunks(ctx context.Context, tenantID, model string, chunkIDs []string) (int, error) {
	return len(chunkIDs), nil
}
