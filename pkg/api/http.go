package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rag-gate/pkg/jobs"
	"rag-gate/pkg/logging"
	"rag-gate/pkg/ratelimit"
	"rag-gate/pkg/scheduler"
	"rag-gate/pkg/tenant"
)

// Server exposes the job queue and rate limiter over HTTP. Authentication
// proper lives upstream; handlers read the resolved tenant id from the
// X-Tenant-ID header.
type Server struct {
	Queue     *jobs.Queue
	Limiter   *ratelimit.Limiter
	Tenants   tenant.Store     // optional
	Schedules *scheduler.Store // optional
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeRateLimited translates a denial into 429 with the retry hint.
func writeRateLimited(w http.ResponseWriter, rl *ratelimit.RateLimited) {
	secs := int(rl.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:      rl.Error(),
		RetryAfter: secs,
	})
}

func tenantID(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

// operationForJobType maps a job type onto the quota bucket its submission
// consumes.
func operationForJobType(jobType string) ratelimit.Operation {
	if jobType == "batch_embed" {
		return ratelimit.OpBatchEmbed
	}
	return ratelimit.OpIngest
}

// SubmitJobHandler admits a background job. The tenant's quota is checked
// before any work is accepted; denials carry a Retry-After hint.
//
// POST /jobs
func (s *Server) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var body struct {
		Type       string          `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		Priority   *int            `json:"priority"`
		MaxRetries *int            `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "missing job type")
		return
	}

	op := operationForJobType(body.Type)
	if err := s.Limiter.CheckLimit(tid, op); err != nil {
		var rl *ratelimit.RateLimited
		if errors.As(err, &rl) {
			logging.L().Warn("job submission rate limited",
				zap.String("tenant_id", tid), zap.String("operation", string(op)))
			writeRateLimited(w, rl)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Limiter.RecordUsage(tid, op)

	job := jobs.NewJob(body.Type, tid, []byte(body.Payload))
	if body.Priority != nil {
		p := jobs.Priority(*body.Priority)
		if p < jobs.PriorityLow || p > jobs.PriorityCritical {
			writeError(w, http.StatusBadRequest, "priority out of range")
			return
		}
		job.Priority = p
	}
	if body.MaxRetries != nil && *body.MaxRetries >= 0 {
		job.MaxRetries = *body.MaxRetries
	}

	id, err := s.Queue.Enqueue(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.L().Info("job enqueued",
		zap.String("job_id", id),
		zap.String("tenant_id", tid),
		zap.String("job_type", job.Type),
		zap.String("priority", job.Priority.String()))

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.Limiter.RemainingQuota(tid, op)))
	writeJSON(w, http.StatusCreated, job)
}

// GetJobHandler returns one job record, scoped to the caller's tenant.
//
// GET /jobs/{id}
func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := s.Queue.Get(id)
	if err != nil || job.TenantID != tid {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobsHandler lists the caller's jobs newest-first.
//
// GET /jobs?status=failed&limit=20
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	status := jobs.Status(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.Queue.List(tid, status, limit))
}

// CancelJobHandler cancels a pending job, or signals a running one to stop.
//
// POST /jobs/{id}/cancel
func (s *Server) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := s.Queue.Get(id)
	if err != nil || job.TenantID != tid {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %s", id))
		return
	}
	if !s.Queue.Cancel(id) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	logging.L().Info("job cancelled", zap.String("job_id", id), zap.String("tenant_id", tid))
	w.WriteHeader(http.StatusAccepted)
}

// QuotaHandler reports the caller's current limits for one operation.
//
// GET /quota?op=query
func (s *Server) QuotaHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}
	op := ratelimit.Operation(r.URL.Query().Get("op"))
	if op == "" {
		op = ratelimit.OpQuery
	}
	if !knownOperation(op) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation %q", op))
		return
	}

	info := s.Limiter.LimitInfo(tid, op)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(info.Capacity)))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(info.Remaining)))
	writeJSON(w, http.StatusOK, info)
}

func knownOperation(op ratelimit.Operation) bool {
	for _, known := range ratelimit.Operations {
		if op == known {
			return true
		}
	}
	return false
}

// jobIDFromPath extracts the id from /jobs/{id} or /jobs/{id}/{action}
// style paths.
func jobIDFromPath(path string) string {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		return ""
	}
	last := segs[len(segs)-1]
	switch last {
	case "cancel", "retry", "progress":
		if len(segs) >= 2 {
			return segs[len(segs)-2]
		}
		return ""
	}
	return last
}
