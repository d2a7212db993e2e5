package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rag-gate/pkg/jobs"
	"rag-gate/pkg/logging"
	"rag-gate/pkg/scheduler"
	"rag-gate/pkg/tenant"
)

// Admin surface: quota management, limiter introspection, job maintenance,
// and schedule CRUD. Bearer auth is applied by the caller's mux wrapper.

// SetTenantLimitsHandler installs a quota override for one tenant. Accepts
// either a tier name or explicit numbers; explicit fields win. All of the
// tenant's buckets reset to the new full capacity.
//
// PUT /admin/tenants/{id}/limits
func (s *Server) SetTenantLimitsHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantFromAdminPath(r.URL.Path)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing tenant ID")
		return
	}

	var body struct {
		Tier   string         `json:"tier"`
		Config *tenant.Config `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cfg tenant.Config
	switch {
	case body.Config != nil:
		cfg = *body.Config
	case body.Tier != "":
		cfg = tenant.ConfigForTier(tenant.Tier(body.Tier))
	default:
		writeError(w, http.StatusBadRequest, "provide a tier or an explicit config")
		return
	}

	s.Limiter.SetConfig(tid, cfg)

	if s.Tenants != nil {
		rec, err := s.Tenants.Get(r.Context(), tid)
		if err == nil {
			rec.Config = cfg
			_ = s.Tenants.Update(r.Context(), rec)
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// RemoveTenantLimitsHandler reverts a tenant to the default configuration.
//
// DELETE /admin/tenants/{id}/limits
func (s *Server) RemoveTenantLimitsHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantFromAdminPath(r.URL.Path)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing tenant ID")
		return
	}
	s.Limiter.RemoveConfig(tid)
	w.WriteHeader(http.StatusNoContent)
}

// ResetLimitsHandler discards bucket state for one tenant, or for everyone
// when no tenant is named.
//
// POST /admin/limits/reset?tenant=acme
func (s *Server) ResetLimitsHandler(w http.ResponseWriter, r *http.Request) {
	if tid := r.URL.Query().Get("tenant"); tid != "" {
		s.Limiter.ResetTenant(tid)
		logging.L().Info("tenant limits reset", zap.String("tenant_id", tid))
	} else {
		s.Limiter.ResetAll()
		logging.L().Info("all limits reset")
	}
	w.WriteHeader(http.StatusNoContent)
}

// LimitsSnapshotHandler reports live limiter state for dashboards.
//
// GET /admin/limits
func (s *Server) LimitsSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_buckets":     s.Limiter.ActiveBucketCount(),
		"configured_tenants": s.Limiter.ConfiguredTenants(),
		"buckets":            s.Limiter.Snapshot(),
	})
}

// PruneJobsHandler deletes terminal jobs older than the cutoff.
//
// POST /admin/jobs/prune?max_age_hours=168
func (s *Server) PruneJobsHandler(w http.ResponseWriter, r *http.Request) {
	hours := 168
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_age_hours")
			return
		}
		hours = n
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	removed := s.Queue.PruneOlderThan(cutoff)
	logging.L().Info("jobs pruned", zap.Int("removed", removed), zap.Int("max_age_hours", hours))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// RetryJobHandler manually re-enqueues a failed or cancelled job.
//
// POST /admin/jobs/{id}/retry
func (s *Server) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := s.Queue.Get(id)
	if err != nil {
		var notFound *jobs.JobNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Status != jobs.StatusFailed && job.Status != jobs.StatusCancelled {
		writeError(w, http.StatusBadRequest, "job not in failed/cancelled state")
		return
	}
	if err := s.Queue.UpdateStatus(id, jobs.StatusPending); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	logging.L().Info("job manually retried", zap.String("job_id", id))
	w.WriteHeader(http.StatusAccepted)
}

// SchedulesHandler is the CRUD surface for recurring schedules.
//
// POST/GET /admin/schedules, GET/PUT/DELETE /admin/schedules/{id}
func (s *Server) SchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusNotImplemented, "scheduling disabled")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/schedules")
	path = strings.Trim(path, "/")

	switch r.Method {
	case http.MethodPost:
		var sc scheduler.Schedule
		if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.Schedules.Create(&sc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sc)
	case http.MethodGet:
		if path == "" {
			list, err := s.Schedules.List(0)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, list)
			return
		}
		sc, err := s.Schedules.Get(path)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sc)
	case http.MethodPut:
		if path == "" {
			writeError(w, http.StatusBadRequest, "missing schedule id")
			return
		}
		sc, err := s.Schedules.Get(path)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		var body struct {
			JobType  string          `json:"job_type"`
			TenantID string          `json:"tenant_id"`
			Payload  json.RawMessage `json:"payload"`
			Priority *jobs.Priority  `json:"priority"`
			Cron     string          `json:"cron"`
			Enabled  *bool           `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.JobType != "" {
			sc.JobType = body.JobType
		}
		if body.TenantID != "" {
			sc.TenantID = body.TenantID
		}
		if body.Payload != nil {
			sc.Payload = body.Payload
		}
		if body.Priority != nil {
			sc.Priority = *body.Priority
		}
		if body.Cron != "" {
			sc.Cron = body.Cron
		}
		if body.Enabled != nil {
			sc.Enabled = *body.Enabled
		}
		if err := s.Schedules.Update(sc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sc)
	case http.MethodDelete:
		if path == "" {
			writeError(w, http.StatusBadRequest, "missing schedule id")
			return
		}
		if err := s.Schedules.Delete(path); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// tenantFromAdminPath extracts the id from /admin/tenants/{id}/limits.
func tenantFromAdminPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// admin tenants {id} limits
	if len(parts) >= 3 && parts[0] == "admin" && parts[1] == "tenants" {
		return parts[2]
	}
	return ""
}
