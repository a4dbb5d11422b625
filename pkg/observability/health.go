package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is a single named probe. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs the registered checks
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]*HealthCheck
	version string
	started time.Time
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckStatus represents the status of a health check
type CheckStatus struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo represents system information
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAlloc      uint64 `json:"mem_alloc_mb"`
	MemSys        uint64 `json:"mem_sys_mb"`
}

// NewHealthChecker creates a checker reporting the given build version
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]*HealthCheck),
		version: version,
		started: time.Now(),
	}
}

// RegisterCheck registers a new health check, replacing one with the same name
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check runs every check concurrently and aggregates the result
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := maps.Clone(hc.checks)
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckStatus, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		g.Go(func() error {
			st := performCheck(ctx, check)
			mu.Lock()
			results[name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := HealthStatusHealthy
	for _, st := range results {
		switch {
		case st.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case st.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    results,
		System:    getSystemInfo(),
	}
}

func performCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- check.CheckFunc(checkCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	status := CheckStatus{
		Status:      HealthStatusHealthy,
		Message:     "OK",
		LastChecked: time.Now(),
		Duration:    time.Since(start).String(),
	}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler reports every check; only an unhealthy service answers 503
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler returns a simple liveness probe handler
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler is ready only while every check passes
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status == HealthStatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemAlloc:      m.Alloc / 1024 / 1024,
		MemSys:        m.Sys / 1024 / 1024,
	}
}

// RedisCheck probes the message backend
func RedisCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "redis",
		CheckFunc: ping,
		Timeout:   2 * time.Second,
		Critical:  true,
	}
}

// NATSCheck reports the event publisher connection. Losing it only degrades
// the service since lifecycle events are best effort.
func NATSCheck(connected func() bool) *HealthCheck {
	return &HealthCheck{
		Name: "nats",
		CheckFunc: func(context.Context) error {
			if !connected() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
		Timeout: time.Second,
	}
}

// OperationsCheck degrades the service when more than limit operations are
// live, which usually means runs are not being garbage collected.
func OperationsCheck(active func() int, limit int) *HealthCheck {
	return &HealthCheck{
		Name: "operations",
		CheckFunc: func(context.Context) error {
			if n := active(); n > limit {
				return fmt.Errorf("%d live operations exceed limit %d", n, limit)
			}
			return nil
		},
		Timeout: time.Second,
	}
}

// CollectRuntimeStats refreshes the goroutine and memory gauges every
// interval until ctx ends.
func CollectRuntimeStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		SetGoroutines(runtime.NumGoroutine())
		SetMemoryUsage(m.Alloc)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
