package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	UptimeSecs int64                      `json:"uptime_seconds"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports per-component health as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, health)
}

// HandleReady succeeds once the device activation is in place.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if s.activator == nil || !s.activator.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "activation directory missing",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Commit:     s.cfg.Commit,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
		Components: make(map[string]ComponentHealth),
	}

	health.Components["activation"] = s.checkActivation()
	if p, ok := s.audit.(pinger); ok {
		health.Components["database"] = checkPinger(ctx, "database", p)
	}
	if s.archive != nil {
		health.Components["object_storage"] = checkPinger(ctx, "object storage", s.archive)
	}

	health.Status = overallHealth(health.Components)
	return health
}

func (s *Server) checkActivation() ComponentHealth {
	if s.activator == nil || !s.activator.Ready() {
		return ComponentHealth{Status: ComponentStatusDown, Message: "activation directory missing: " + s.cfg.ActivationDir}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: "activation present"}
}

// checkPinger times a Ping and marks slow answers as degraded.
func checkPinger(ctx context.Context, name string, p pinger) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: name + " unreachable: " + err.Error()}
	}

	latency := time.Since(start)
	if latency > time.Second {
		return ComponentHealth{Status: ComponentStatusDegraded, Message: name + " latency high", LatencyMs: float64(latency.Milliseconds())}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: name + " healthy", LatencyMs: float64(latency.Milliseconds())}
}

// overallHealth calculates overall health from component statuses
func overallHealth(components map[string]ComponentHealth) HealthStatus {
	var down, degraded int
	for _, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			down++
		case ComponentStatusDegraded:
			degraded++
		}
	}

	if down > 0 {
		return HealthStatusUnhealthy
	}
	if degraded > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
