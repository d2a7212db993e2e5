package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rag-gate/pkg/logging"
	"rag-gate/pkg/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced upstream by the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressUpdate is one frame on the job progress stream.
type progressUpdate struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// JobProgressHandler streams a job's status and progress over a WebSocket
// until the job reaches a terminal state. Each open socket holds one token
// from the tenant's websocket bucket, refunded on close, so the bucket acts
// as a concurrency ceiling.
//
// GET /ws/jobs/{id}
func (s *Server) JobProgressHandler(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := s.Queue.Get(id)
	if err != nil || job.TenantID != tid {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}

	if err := s.Limiter.CheckLimit(tid, ratelimit.OpWebSocket); err != nil {
		var rl *ratelimit.RateLimited
		if errors.As(err, &rl) {
			writeRateLimited(w, rl)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Limiter.RecordUsage(tid, ratelimit.OpWebSocket)
	defer s.Limiter.RefundUsage(tid, ratelimit.OpWebSocket)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed",
			zap.Error(err), zap.String("tenant_id", tid), zap.String("job_id", id))
		return
	}
	defer conn.Close()

	// Drain client frames so close/ping handling keeps working; the stream
	// is one-directional.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := s.Queue.Get(id)
		if err != nil {
			return
		}
		update := progressUpdate{
			JobID:    job.ID,
			Status:   string(job.Status),
			Progress: job.Progress,
			Error:    job.Error,
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(update); err != nil {
			return
		}
		if job.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}

		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
