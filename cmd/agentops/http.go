package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/pkg/observability"
)

// maxLiveOperations degrades the health report above this many live operations.
const maxLiveOperations = 1000

// liveOperations counts operations that have not reached a terminal status.
func (a *app) liveOperations() int {
	st := a.ops.Stats()
	return st.ByStatus[operation.StatusPending] + st.ByStatus[operation.StatusRunning] + st.ByStatus[operation.StatusPaused]
}

// healthChecker registers a probe for every configured dependency and, for
// processes that run orchestrations, for the operation registry.
func (a *app) healthChecker(withOperations bool) *observability.HealthChecker {
	hc := observability.NewHealthChecker(Version)
	if a.redis != nil {
		hc.RegisterCheck(observability.RedisCheck(a.redis.Ping))
	}
	if a.nats != nil {
		hc.RegisterCheck(observability.NATSCheck(a.nats.Connected))
	}
	if withOperations {
		hc.RegisterCheck(observability.OperationsCheck(a.liveOperations, maxLiveOperations))
	}
	return hc
}

// probeServer serves metrics and dependency health only.
func (a *app) probeServer(port int) *observability.Server {
	return observability.NewServer(port, a.healthChecker(false))
}

// operationsServer mounts the operation endpoints next to metrics and health.
// Only the process running orchestrations serves it; the registry is in memory.
func (a *app) operationsServer(port int) *observability.Server {
	return observability.NewServer(port, a.healthChecker(true),
		observability.WithHandler("GET /operations", http.HandlerFunc(a.listOperations)),
		observability.WithHandler("GET /operations/stats", http.HandlerFunc(a.operationStats)),
		observability.WithHandler("GET /operations/{id}", http.HandlerFunc(a.getOperation)),
		observability.WithHandler("POST /operations/{id}/cancel", http.HandlerFunc(a.cancelOperation)),
	)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ops := a.ops.List(operation.Filter{
		Type:    operation.Type(q.Get("type")),
		Status:  operation.Status(q.Get("status")),
		AgentID: q.Get("agent"),
		GroupID: q.Get("group"),
		TopicID: q.Get("topic"),
	})
	if ops == nil {
		ops = []operation.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (a *app) operationStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ops.Stats())
}

func (a *app) getOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := a.ops.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": operation.ErrOperationNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (a *app) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, ok := a.ops.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": operation.ErrOperationNotFound.Error()})
		return
	}
	if op.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": operation.ErrAlreadyTerminal.Error()})
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}
	a.ops.CancelOperation(id, reason)
	op, _ = a.ops.Get(id)
	writeJSON(w, http.StatusOK, op)
}

// serveUntil runs srv until ctx ends, then shuts it down.
func serveUntil(ctx context.Context, srv *observability.Server, errCh chan<- error) {
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()
}
