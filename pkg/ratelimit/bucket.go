package ratelimit

import (
	"time"

	"rag-gate/pkg/tenant"
)

// Operation is a category of tenant activity with its own quota bucket.
type Operation string

const (
	OpQuery      Operation = "query"
	OpIngest     Operation = "ingest"
	OpWebSocket  Operation = "websocket"
	OpBatchEmbed Operation = "batch_embed"
	OpRetrieve   Operation = "retrieve"
)

// Operations lists every known operation kind.
var Operations = []Operation{OpQuery, OpIngest, OpWebSocket, OpBatchEmbed, OpRetrieve}

// capacityFor maps a tenant's quota numbers onto a bucket capacity for one
// operation kind. Quotas are per-minute figures; ingest is the daily document
// budget spread over 24 hourly buckets, websocket is a concurrency ceiling
// modeled as a bucket for uniformity.
func capacityFor(cfg tenant.Config, op Operation) float64 {
	switch op {
	case OpQuery, OpRetrieve:
		return float64(cfg.QueriesPerMinute)
	case OpIngest:
		return float64(cfg.DocumentsPerDay) / 24
	case OpWebSocket:
		return float64(cfg.MaxConcurrentWebSockets)
	case OpBatchEmbed:
		return float64(cfg.QueriesPerMinute) / 2
	default:
		return 0
	}
}

// bucket is a token bucket refilled lazily at access time. It carries no
// locking of its own; the owning Limiter serializes all access.
//
// pending counts tokens a successful CheckLimit has already deducted but a
// RecordUsage has not yet settled, so a check+record pair spends exactly one
// token even under concurrent callers.
type bucket struct {
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second, capacity/60
	pending    int
	lastRefill time.Time
}

func newBucket(capacity float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		rate:       capacity / 60,
		lastRefill: now,
	}
}

// refill credits tokens for the time elapsed since the last access. Exact
// regardless of access gaps, so no background timer is needed.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}
