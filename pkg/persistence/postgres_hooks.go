package persistence

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rag-gate/pkg/jobs"
)

// PostgresHooks appends job lifecycle events to a Postgres audit table.
// Writes are best-effort: the audit trail must never slow down or fail
// queue operations.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS job_events (
//	  id BIGSERIAL PRIMARY KEY,
//	  job_id TEXT NOT NULL,
//	  tenant_id TEXT NOT NULL,
//	  job_type TEXT NOT NULL,
//	  event TEXT NOT NULL,
//	  detail TEXT,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresHooks struct {
	DB *sql.DB
}

func NewPostgresHooks(connString string) (*PostgresHooks, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	_, _ = db.Exec(`
        CREATE TABLE IF NOT EXISTS job_events (
            id BIGSERIAL PRIMARY KEY,
            job_id TEXT NOT NULL,
            tenant_id TEXT NOT NULL,
            job_type TEXT NOT NULL,
            event TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
        CREATE INDEX IF NOT EXISTS job_events_job_id_idx ON job_events(job_id);
        CREATE INDEX IF NOT EXISTS job_events_tenant_id_idx ON job_events(tenant_id);
        CREATE INDEX IF NOT EXISTS job_events_created_at_idx ON job_events(created_at);
    `)
	return &PostgresHooks{DB: db}, nil
}

func (p *PostgresHooks) OnEnqueue(ctx context.Context, job *jobs.Job) {
	p.insert(ctx, job, "enqueued", "")
}

func (p *PostgresHooks) OnDequeue(ctx context.Context, job *jobs.Job) {
	p.insert(ctx, job, "dequeued", "")
}

func (p *PostgresHooks) OnComplete(ctx context.Context, job *jobs.Job) {
	p.insert(ctx, job, "completed", "")
}

func (p *PostgresHooks) OnFail(ctx context.Context, job *jobs.Job, reason string) {
	p.insert(ctx, job, "failed", reason)
}

func (p *PostgresHooks) OnCancel(ctx context.Context, job *jobs.Job) {
	p.insert(ctx, job, "cancelled", "")
}

func (p *PostgresHooks) insert(ctx context.Context, job *jobs.Job, event, detail string) {
	if p == nil || p.DB == nil {
		return
	}
	_, _ = p.DB.ExecContext(ctx, `
        INSERT INTO job_events (job_id, tenant_id, job_type, event, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, job.ID, job.TenantID, job.Type, event, detail, time.Now())
}

// Close releases the connection pool.
func (p *PostgresHooks) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}
