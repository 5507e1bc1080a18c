// Package health provides health checks and the ops HTTP routes of the poller.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker interface defines a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type registered struct {
	checker  Checker
	critical bool
}

// HealthChecker manages health checks for the service.
type HealthChecker struct {
	config    Config
	startedAt time.Time
	mu        sync.RWMutex
	checks    map[string]registered
	statuses  map[string]*CheckStatus
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:    config,
		startedAt: time.Now(),
		checks:    make(map[string]registered),
		statuses:  make(map[string]*CheckStatus),
	}
}

// AddCheck registers a health check. A failing critical check makes the service
// unhealthy; a failing non-critical one only degrades it.
func (h *HealthChecker) AddCheck(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registered{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{Name: name, Status: StatusUnknown, Critical: critical}
}

// Check performs all health checks concurrently and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registered, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, c := range checks {
		wg.Add(1)
		go func(name string, c registered) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{Name: name, Critical: c.critical, LastCheck: time.Now(), Status: StatusHealthy}
			if err := c.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}

			mu.Lock()
			response.Checks[name] = status
			if status.Status != StatusHealthy {
				if c.critical {
					response.Status = StatusUnhealthy
				} else if response.Status == StatusHealthy {
					response.Status = StatusDegraded
				}
			}
			mu.Unlock()
		}(name, c)
	}

	wg.Wait()

	h.mu.Lock()
	for name, status := range response.Checks {
		h.statuses[name] = status
	}
	h.mu.Unlock()

	return response
}

// HealthHandler serves the full health report. Degraded still answers 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
	})
}

// GetStatus returns the last recorded status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
