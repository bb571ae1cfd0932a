// Package health aggregates component checks for the agent's liveness and
// readiness endpoints.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// DefaultTimeout bounds a check whose component sets none.
const DefaultTimeout = 5 * time.Second

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a Checker that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = DefaultTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently. A check that panics or
// outlives its timeout is reported unhealthy.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := runCheck(ctx, comp)

			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()

			c.mu.Lock()
			if _, ok := c.components[comp.Name]; ok {
				c.results[comp.Name] = result
			}
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// Results returns the last result of every component.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	return results
}

// OverallStatus aggregates the last results. Failing critical components
// make the agent unhealthy, failing optional ones only degrade it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and returns the aggregated report.
func (c *Checker) Report(ctx context.Context, includeComponents bool) Report {
	components := c.Check(ctx)
	if !includeComponents {
		components = nil
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime).Truncate(time.Second)
	c.mu.RUnlock()

	return Report{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers as long as the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "not ready",
				"timestamp": time.Now().UTC(),
			})
			return
		}

		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now().UTC(),
		})
	})
}

// HealthHandler serves the full report. ?full=true includes components.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context(), r.URL.Query().Get("full") == "true")

		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

// Common health checks.

// PingCheck wraps a connectivity check such as sql.DB.PingContext.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "ping failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// FileCheck reports unhealthy when path is missing and, when minSize is
// positive, degraded while the file is smaller than minSize.
func FileCheck(path string, minSize int64) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "file unavailable",
				Error:   err.Error(),
				Details: map[string]any{"path": path},
			}
		}
		result := CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{"path": path, "size": info.Size()},
		}
		if minSize > 0 && info.Size() < minSize {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("smaller than %d bytes", minSize)
		}
		return result
	}
}

// BacklogCheck degrades once count exceeds limit. A failing count is
// unhealthy.
func BacklogCheck(name string, limit int, count func(ctx context.Context) (int, error)) Check {
	return func(ctx context.Context) CheckResult {
		n, err := count(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "count " + name + " failed",
				Error:   err.Error(),
			}
		}
		result := CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{name: n, "limit": limit},
		}
		if limit > 0 && n > limit {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d %s exceeds %d", n, name, limit)
		}
		return result
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
