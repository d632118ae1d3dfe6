// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyhub/internal/realtime"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// StateSource is satisfied by *realtime.Manager.
type StateSource interface {
	State() realtime.State
}

// Channel reports the event channel. Only StateFailed is unhealthy: a
// disconnected or reconnecting channel is still served by polling.
func Channel(name string, src StateSource) Checker {
	return func(context.Context) Status {
		st := src.State()
		return Status{Name: name, Healthy: st != realtime.StateFailed, Detail: st.String()}
	}
}

// Pinger is anything that can round-trip to its backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RPC reports whether p answers within DefaultTimeout.
func RPC(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Response is the body of the health endpoints.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version,omitempty"`
	Checks    []Status `json:"checks,omitempty"`
	Timestamp string   `json:"timestamp"`
}

func (r *Registry) respond(ctx context.Context, version string) (int, Response) {
	healthy, statuses := r.CheckAll(ctx)
	resp := Response{
		Status:    "healthy",
		Version:   version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !healthy {
		resp.Status = "degraded"
		return http.StatusServiceUnavailable, resp
	}
	return http.StatusOK, resp
}

// Handler serves the registry on a gin route.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		code, resp := r.respond(c.Request.Context(), version)
		c.JSON(code, resp)
	}
}

// HTTPHandler is Handler for plain net/http muxes.
func (r *Registry) HTTPHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		code, resp := r.respond(req.Context(), version)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
