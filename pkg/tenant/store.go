package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store abstracts tenant record storage so the service layer can swap the
// Redis implementation out in tests.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, tenantID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, tenantID string) error
	List(ctx context.Context, limit, offset int) ([]*Record, error)
}

// RedisStore keeps tenant records as JSON values plus an active-set index.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(tenantID string) string {
	return "tenant:" + tenantID + ":config"
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return ErrInvalidID
	}
	exists, err := s.client.Exists(ctx, s.key(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("check tenant existence: %w", err)
	}
	if exists > 0 {
		return ErrExists
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(rec.ID), data, 0)
	pipe.SAdd(ctx, "tenants:active", rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(tenantID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Update(ctx context.Context, rec *Record) error {
	exists, err := s.client.Exists(ctx, s.key(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("check tenant existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tenantID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(tenantID))
	pipe.SRem(ctx, "tenants:active", tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, "tenants:active").Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	total := len(ids)
	if offset >= total {
		return []*Record{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	records := make([]*Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		rec, err := s.Get(ctx, id)
		if err != nil {
			// Skip records that fail to load; the index may be ahead of the data.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
