package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"rag-gate/pkg/jobs"
)

// Embedder is the embedding pipeline the batch handler drives. The concrete
// provider (OpenAI, local model, ...) lives outside this module.
type Embedder interface {
	// EmbedChunks embeds the given chunks for a tenant, or the tenant's whole
	// corpus when chunkIDs is empty. Returns the number of chunks embedded.
	EmbedChunks(ctx context.Context, tenantID, model string, chunkIDs []string) (int, error)
}

// BatchEmbedPayload is the wire schema for batch_embed jobs.
type BatchEmbedPayload struct {
	TenantID       string   `json:"tenant_id"`
	ChunkIDs       []string `json:"chunk_ids,omitempty"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
}

// BatchEmbedResult is stored on the job record when embedding succeeds.
type BatchEmbedResult struct {
	EmbeddedCount int    `json:"embedded_count"`
	Model         string `json:"model"`
}

// BatchEmbedJobType identifies batch embedding jobs in the queue.
const BatchEmbedJobType = "batch_embed"

// NewBatchEmbedHandler builds the handler that executes batch_embed jobs
// against an embedding provider. defaultModel applies when the payload does
// not name one.
func NewBatchEmbedHandler(embedder Embedder, defaultModel string) Handler {
	return func(ctx context.Context, job *jobs.Job, report ProgressFunc) ([]byte, error) {
		var payload BatchEmbedPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode batch_embed payload: %w", err)
		}
		if payload.TenantID == "" {
			payload.TenantID = job.TenantID
		}
		model := payload.EmbeddingModel
		if model == "" {
			model = defaultModel
		}

		report(0)
		count, err := embedder.EmbedChunks(ctx, payload.TenantID, model, payload.ChunkIDs)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		report(1)

		return json.Marshal(BatchEmbedResult{EmbeddedCount: count, Model: model})
	}
}
