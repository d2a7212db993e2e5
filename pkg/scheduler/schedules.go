package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"rag-gate/pkg/jobs"
)

// Schedule is a recurring job definition: on each cron firing the evaluation
// loop enqueues one job from the template below. Used for periodic corpus
// re-embeds and housekeeping like job pruning.
type Schedule struct {
	ID          string          `json:"id"`
	JobType     string          `json:"job_type"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    jobs.Priority   `json:"priority"`
	Cron        string          `json:"cron"`
	Enabled     bool            `json:"enabled"`
	LastRunUnix int64           `json:"last_run_unix"`
	NextRunUnix int64           `json:"next_run_unix"`
	CreatedUnix int64           `json:"created_unix"`
	UpdatedUnix int64           `json:"updated_unix"`
}

var ErrNotFound = errors.New("schedule not found")

// ComputeNext parses the cron expression and stamps the next firing after
// the given time.
func (sc *Schedule) ComputeNext(after time.Time) error {
	if sc.Cron == "" {
		return errors.New("missing cron expression")
	}
	expr, err := cronexpr.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sc.Cron, err)
	}
	sc.NextRunUnix = expr.Next(after).Unix()
	return nil
}

// Job materializes one queue job from the schedule template.
func (sc *Schedule) Job() *jobs.Job {
	job := jobs.NewJob(sc.JobType, sc.TenantID, []byte(sc.Payload))
	job.Priority = sc.Priority
	return job
}

// Store keeps schedules as JSON values in Redis.
type Store struct {
	Rdb *redis.Client
	Ctx context.Context
}

func NewStore(rdb *redis.Client, ctx context.Context) *Store {
	return &Store{Rdb: rdb, Ctx: ctx}
}

func (s *Store) key(id string) string { return "schedules:" + id }

func (s *Store) Create(sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := time.Now()
	sc.CreatedUnix = now.Unix()
	sc.UpdatedUnix = now.Unix()
	if sc.Enabled {
		if err := sc.ComputeNext(now); err != nil {
			return err
		}
	}
	b, _ := json.Marshal(sc)
	return s.Rdb.Set(s.Ctx, s.key(sc.ID), b, 0).Err()
}

func (s *Store) Update(sc *Schedule) error {
	if sc.ID == "" {
		return errors.New("missing schedule id")
	}
	now := time.Now()
	sc.UpdatedUnix = now.Unix()
	if sc.Enabled {
		if err := sc.ComputeNext(now); err != nil {
			return err
		}
	} else {
		sc.NextRunUnix = 0
	}
	b, _ := json.Marshal(sc)
	return s.Rdb.Set(s.Ctx, s.key(sc.ID), b, 0).Err()
}

func (s *Store) Get(id string) (*Schedule, error) {
	val, err := s.Rdb.Get(s.Ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sc Schedule
	if err := json.Unmarshal([]byte(val), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) Delete(id string) error { return s.Rdb.Del(s.Ctx, s.key(id)).Err() }

// List returns up to limit schedules (all when limit <= 0), scanning the
// schedule keyspace.
func (s *Store) List(limit int) ([]*Schedule, error) {
	cursor := uint64(0)
	res := []*Schedule{}
	for {
		keys, cur, err := s.Rdb.Scan(s.Ctx, cursor, "schedules:*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			val, err := s.Rdb.Get(s.Ctx, k).Result()
			if err != nil {
				continue
			}
			var sc Schedule
			if json.Unmarshal([]byte(val), &sc) == nil {
				res = append(res, &sc)
				if limit > 0 && len(res) >= limit {
					return res, nil
				}
			}
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return res, nil
}

// Due returns enabled schedules whose next firing is at or before now.
func (s *Store) Due(now time.Time, limit int) ([]*Schedule, error) {
	all, err := s.List(0)
	if err != nil {
		return nil, err
	}
	due := []*Schedule{}
	n := now.Unix()
	for _, sc := range all {
		if sc.Enabled && sc.NextRunUnix > 0 && sc.NextRunUnix <= n {
			due = append(due, sc)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

// MarkRun records a firing and advances the next-run time.
func (s *Store) MarkRun(sc *Schedule) error {
	now := time.Now()
	sc.LastRunUnix = now.Unix()
	if err := sc.ComputeNext(now); err != nil {
		return err
	}
	return s.Update(sc)
}
