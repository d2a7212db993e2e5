package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"

	"rag-gate/pkg/logging"
	"rag-gate/pkg/metrics"
	"rag-gate/pkg/tenant"

	"go.uber.org/zap"
)

type bucketKey struct {
	tenantID string
	op       Operation
}

// Limiter gates every tenant operation with one token bucket per
// (tenant, operation) pair. Buckets are created lazily at full capacity and
// refilled at access time; a single mutex makes the compound
// refill-then-consume sequence atomic to concurrent callers.
//
// CheckLimit reserves the token it admits; the paired RecordUsage settles
// the reservation rather than deducting again, so one admitted operation
// costs exactly one token. RecordUsage alone still deducts, covering paths
// that skip the check.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*bucket
	configs  map[string]tenant.Config
	defaults tenant.Config

	now func() time.Time // swapped in tests
}

// Info describes one bucket's limits for quota headers and admin inspection.
type Info struct {
	Capacity        float64 `json:"capacity"`
	Remaining       float64 `json:"remaining"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// NewLimiter creates a limiter that applies defaults to any tenant without
// an explicit configuration override.
func NewLimiter(defaults tenant.Config) *Limiter {
	return &Limiter{
		buckets:  make(map[bucketKey]*bucket),
		configs:  make(map[string]tenant.Config),
		defaults: defaults,
		now:      time.Now,
	}
}

// configFor must be called with the lock held.
func (l *Limiter) configFor(tenantID string) tenant.Config {
	if cfg, ok := l.configs[tenantID]; ok {
		return cfg
	}
	return l.defaults
}

// bucketFor returns the live bucket for a pair, creating it at full capacity
// on first touch. Must be called with the lock held.
func (l *Limiter) bucketFor(tenantID string, op Operation) *bucket {
	key := bucketKey{tenantID, op}
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(capacityFor(l.configFor(tenantID), op), l.now())
	l.buckets[key] = b
	metrics.ActiveBuckets.Set(float64(len(l.buckets)))
	return b
}

// CheckLimit answers whether one more unit of the operation may proceed.
// On success it marks one token as about to be spent; a denial carries the
// minimum wait until a token will be available.
func (l *Limiter) CheckLimit(tenantID string, op Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(tenantID, op)
	b.refill(l.now())

	if b.tokens >= 1 {
		b.tokens--
		b.pending++
		metrics.RateLimitDecisions.WithLabelValues(string(op), "allowed").Inc()
		return nil
	}

	metrics.RateLimitDecisions.WithLabelValues(string(op), "denied").Inc()
	retryAfter := time.Duration(0)
	if b.rate > 0 {
		secs := math.Ceil((1 - b.tokens) / b.rate)
		if secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return &RateLimited{Operation: op, RetryAfter: retryAfter}
}

// RecordUsage settles the oldest outstanding CheckLimit reservation, or,
// when none exists, deducts one token after crediting elapsed refill,
// flooring at zero. Safe to call without a preceding CheckLimit.
func (l *Limiter) RecordUsage(tenantID string, op Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(tenantID, op)
	b.refill(l.now())
	if b.pending > 0 {
		b.pending--
		return
	}
	b.tokens = math.Max(0, b.tokens-1)
}

// RefundUsage returns one token, capped at capacity. Used by the WebSocket
// layer to release a concurrency slot when a connection closes.
func (l *Limiter) RefundUsage(tenantID string, op Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(tenantID, op)
	b.refill(l.now())
	b.tokens = min(b.capacity, b.tokens+1)
}

// RemainingQuota reports whole tokens available right now, the integer view
// clients expect in quota headers.
func (l *Limiter) RemainingQuota(tenantID string, op Operation) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(tenantID, op)
	b.refill(l.now())
	return int(math.Floor(b.tokens))
}

// LimitInfo reports a bucket's capacity, current tokens, and refill rate.
func (l *Limiter) LimitInfo(tenantID string, op Operation) Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(tenantID, op)
	b.refill(l.now())
	return Info{Capacity: b.capacity, Remaining: b.tokens, RefillPerSecond: b.rate}
}

// SetConfig replaces a tenant's quota override and resets every live bucket
// for that tenant to the new full capacity. Prior partial consumption is
// discarded; configuration changes are not prorated.
func (l *Limiter) SetConfig(tenantID string, cfg tenant.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.configs[tenantID] = cfg
	l.resetTenantBuckets(tenantID)
	logging.L().Info("tenant rate limit configured",
		zap.String("tenant_id", tenantID),
		zap.String("tier", string(cfg.Tier)),
		zap.Int("queries_per_minute", cfg.QueriesPerMinute))
}

// RemoveConfig reverts a tenant to the default configuration, resetting its
// buckets to the defaults' full capacity.
func (l *Limiter) RemoveConfig(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.configs, tenantID)
	l.resetTenantBuckets(tenantID)
	logging.L().Info("tenant rate limit override removed", zap.String("tenant_id", tenantID))
}

// resetTenantBuckets recreates the tenant's live buckets at full capacity
// under its current configuration. Reservations from checks still in flight
// carry over so their paired RecordUsage settles against the fresh bucket
// instead of charging it a second time. Must be called with the lock held.
func (l *Limiter) resetTenantBuckets(tenantID string) {
	cfg := l.configFor(tenantID)
	now := l.now()
	for key, old := range l.buckets {
		if key.tenantID == tenantID {
			fresh := newBucket(capacityFor(cfg, key.op), now)
			fresh.pending = old.pending
			l.buckets[key] = fresh
		}
	}
}

// ResetTenant discards a tenant's bucket entries; the next access recreates
// them at full capacity.
func (l *Limiter) ResetTenant(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.buckets {
		if key.tenantID == tenantID {
			delete(l.buckets, key)
		}
	}
	metrics.ActiveBuckets.Set(float64(len(l.buckets)))
}

// ResetAll discards every bucket entry.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets = make(map[bucketKey]*bucket)
	metrics.ActiveBuckets.Set(0)
}

// ActiveBucketCount reports the number of live buckets.
func (l *Limiter) ActiveBucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ConfiguredTenants lists tenants with a configuration override, sorted.
func (l *Limiter) ConfiguredTenants() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.configs))
	for id := range l.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot reports remaining tokens per live bucket keyed "tenant:operation".
func (l *Limiter) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snap := make(map[string]float64, len(l.buckets))
	for key, b := range l.buckets {
		b.refill(now)
		snap[key.tenantID+":"+string(key.op)] = b.tokens
	}
	return snap
}
