// Standalone worker demo. The queue is in-process and not shared with the
// server binary, so this program seeds its own batch_embed jobs and runs the
// pool against them; it exists to exercise the worker wiring in isolation,
// not to drain the server's queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rag-gate/pkg/jobs"
	"rag-gate/pkg/logging"
	"rag-gate/pkg/worker"
)

// echoEmbedder is a placeholder embedding provider for local runs. Replace
// with the real pipeline when deploying.
type echoEmbedder struct{}

func (echoEmbedder) EmbedChunks(ctx context.Context, tenantID, model string, chunkIDs []string) (int, error) {
	return len(chunkIDs), nil
}

func main() {
	_ = logging.Init(true)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := jobs.NewQueue()

	pool := worker.NewPool("worker", queue)
	pool.SetConcurrency(2)
	pool.RegisterHandler(worker.BatchEmbedJobType,
		worker.NewBatchEmbedHandler(echoEmbedder{}, "text-embedding-3-small"))

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(worker.BatchEmbedPayload{
			TenantID: "demo",
			ChunkIDs: []string{fmt.Sprintf("chunk-%d-a", i), fmt.Sprintf("chunk-%d-b", i)},
		})
		job := jobs.NewJob(worker.BatchEmbedJobType, "demo", payload)
		if _, err := queue.Enqueue(job); err != nil {
			logging.L().Fatal(err.Error())
		}
	}

	if err := pool.Start(ctx); err != nil {
		logging.L().Fatal(err.Error())
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pool.Stop()
			return
		case <-ticker.C:
			done := len(queue.List("demo", jobs.StatusCompleted, 0))
			logging.L().Info("demo progress", zap.Int("completed", done), zap.Int("total", queue.Len()))
			if done == queue.Len() {
				pool.Stop()
				return
			}
		}
	}
}
