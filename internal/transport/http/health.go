package http

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a single health check result
type Check struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	TrackedJobs  int    `json:"tracked_jobs"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Health returns basic health status (for load balancer)
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready performs a readiness check including dependencies
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	queueCheck := h.checkQueue()
	checks["queue"] = queueCheck
	if queueCheck.Status == StatusDegraded && overallStatus == StatusHealthy {
		overallStatus = StatusDegraded
	}

	if h.Mirror != nil {
		mirrorCheck := h.checkMirror(ctx)
		checks["status_mirror"] = mirrorCheck
		// The mirror is best-effort; losing it degrades but does not unready.
		if mirrorCheck.Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	status := HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		System: &SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			TrackedJobs:  h.Registry.Len(),
		},
	}

	code := http.StatusOK
	if overallStatus == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handlers) checkQueue() Check {
	depth := h.Queue.Len()

	status := StatusHealthy
	message := "queue operational"
	if depth > h.Config.QueueBuf/2 {
		status = StatusDegraded
		message = "queue backlog detected"
	}

	return Check{Status: status, Message: message}
}

func (h *Handlers) checkMirror(ctx context.Context) Check {
	start := time.Now()
	err := h.Mirror.Ping(ctx)
	duration := time.Since(start)

	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error(), Duration: duration.String()}
	}
	return Check{Status: StatusHealthy, Message: "connection successful", Duration: duration.String()}
}
