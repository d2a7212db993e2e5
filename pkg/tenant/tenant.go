package tenant

import (
	"errors"
	"time"
)

// Tier is a named service level. Quotas increase strictly from free to
// enterprise; the free tier additionally has streaming disabled.
type Tier string

const (
	TierFree         Tier = "free"
	TierStandard     Tier = "standard"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Config holds the per-tenant quota numbers the rate limiter turns into
// bucket capacities, plus the retrieval settings the pipeline reads.
type Config struct {
	Tier                    Tier   `json:"tier"`
	QueriesPerMinute        int    `json:"queries_per_minute"`
	DocumentsPerDay         int    `json:"documents_per_day"`
	MaxConcurrentWebSockets int    `json:"max_concurrent_websockets"`
	StreamingEnabled        bool   `json:"streaming_enabled"`
	EmbeddingModel          string `json:"embedding_model"`
}

// Record is a stored tenant: identity plus its resolved configuration.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var tierConfigs = map[Tier]Config{
	TierFree: {
		Tier:                    TierFree,
		QueriesPerMinute:        10,
		DocumentsPerDay:         48,
		MaxConcurrentWebSockets: 2,
		StreamingEnabled:        false,
		EmbeddingModel:          "text-embedding-3-small",
	},
	TierStandard: {
		Tier:                    TierStandard,
		QueriesPerMinute:        60,
		DocumentsPerDay:         480,
		MaxConcurrentWebSockets: 10,
		StreamingEnabled:        true,
		EmbeddingModel:          "text-embedding-3-small",
	},
	TierProfessional: {
		Tier:                    TierProfessional,
		QueriesPerMinute:        300,
		DocumentsPerDay:         2400,
		MaxConcurrentWebSockets: 50,
		StreamingEnabled:        true,
		EmbeddingModel:          "text-embedding-3-large",
	},
	TierEnterprise: {
		Tier:                    TierEnterprise,
		QueriesPerMinute:        1200,
		DocumentsPerDay:         24000,
		MaxConcurrentWebSockets: 200,
		StreamingEnabled:        true,
		EmbeddingModel:          "text-embedding-3-large",
	},
}

// DefaultConfig applies to any tenant without an explicit override.
var DefaultConfig = tierConfigs[TierFree]

// ConfigForTier resolves a tier name to its quota set. Unknown tiers fall
// back to free.
func ConfigForTier(t Tier) Config {
	if cfg, ok := tierConfigs[t]; ok {
		return cfg
	}
	return tierConfigs[TierFree]
}

var (
	ErrNotFound  = errors.New("tenant not found")
	ErrExists    = errors.New("tenant already exists")
	ErrInvalidID = errors.New("invalid tenant ID")
)

// NewRecord creates a tenant record with the quota defaults for its tier.
func NewRecord(id, name string, tier Tier) *Record {
	now := time.Now()
	return &Record{
		ID:        id,
		Name:      name,
		Config:    ConfigForTier(tier),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
