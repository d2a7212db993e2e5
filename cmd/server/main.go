package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rag-gate/pkg/api"
	"rag-gate/pkg/jobs"
	"rag-gate/pkg/logging"
	"rag-gate/pkg/persistence"
	"rag-gate/pkg/ratelimit"
	"rag-gate/pkg/scheduler"
	"rag-gate/pkg/tenant"
	"rag-gate/pkg/worker"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// stubEmbedder stands in for the embedding pipeline. Replace with the real
// provider when wiring this binary into a deployment.
type stubEmbedder struct{}

func (stubEmbedder) EmbedChunks(ctx context.Context, tenantID, model string, chunkIDs []string) (int, error) {
	return len(chunkIDs), nil
}

func main() {
	_ = logging.Init(true)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := jobs.NewQueue()
	limiter := ratelimit.NewLimiter(tenant.DefaultConfig)

	// Optional Postgres persistence for the job audit trail.
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		if ph, err := persistence.NewPostgresHooks(dsn); err == nil {
			queue.SetHooks(ph)
			defer ph.Close()
			log.Println("Postgres persistence enabled for job events")
		} else {
			log.Printf("Postgres hooks init failed: %v\n", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: env("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()

	tenants := tenant.NewRedisStore(rdb)
	schedules := scheduler.NewStore(rdb, ctx)

	// Seed limiter overrides from stored tenant records.
	if records, err := tenants.List(ctx, 0, 0); err == nil {
		for _, rec := range records {
			limiter.SetConfig(rec.ID, rec.Config)
		}
	}

	pool := worker.NewPool("server-pool", queue)
	pool.SetConcurrency(4)
	pool.RegisterHandler(worker.BatchEmbedJobType,
		worker.NewBatchEmbedHandler(stubEmbedder{}, tenant.DefaultConfig.EmbeddingModel))
	if err := pool.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer pool.Stop()

	// Prune terminal jobs older than a week, hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				queue.PruneOlderThan(time.Now().Add(-7 * 24 * time.Hour))
			}
		}
	}()

	// Cron evaluation loop: enqueue due schedules as jobs.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				due, err := schedules.Due(time.Now(), 0)
				if err != nil {
					continue
				}
				for _, sc := range due {
					if _, err := queue.Enqueue(sc.Job()); err != nil {
						continue
					}
					_ = schedules.MarkRun(sc)
				}
			}
		}
	}()

	s := &api.Server{Queue: queue, Limiter: limiter, Tenants: tenants, Schedules: schedules}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJobHandler(w, r)
		case http.MethodGet:
			s.ListJobsHandler(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") && r.Method == http.MethodPost {
			s.CancelJobHandler(w, r)
			return
		}
		s.GetJobHandler(w, r)
	})
	mux.HandleFunc("/quota", s.QuotaHandler)
	mux.HandleFunc("/ws/jobs/", s.JobProgressHandler)
	mux.Handle("/metrics", promhttp.Handler())

	// Admin endpoints: protected by a simple bearer token from ADMIN_TOKEN.
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		token := os.Getenv("ADMIN_TOKEN")
		return func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin disabled", http.StatusForbidden)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/admin/tenants/", admin(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			s.SetTenantLimitsHandler(w, r)
		case http.MethodDelete:
			s.RemoveTenantLimitsHandler(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/admin/limits", admin(s.LimitsSnapshotHandler))
	mux.HandleFunc("/admin/limits/reset", admin(s.ResetLimitsHandler))
	mux.HandleFunc("/admin/jobs/prune", admin(s.PruneJobsHandler))
	mux.HandleFunc("/admin/jobs/", admin(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/retry") {
			s.RetryJobHandler(w, r)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	mux.HandleFunc("/admin/schedules", admin(s.SchedulesHandler))
	mux.HandleFunc("/admin/schedules/", admin(s.SchedulesHandler))

	srv := &http.Server{Addr: env("ADDR", ":8080"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
