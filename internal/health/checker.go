// Package health answers liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReadinessChecker is a dependency that can report whether it answers.
// The job store, document store and result sink implement it.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes the service's dependencies.
type Checker struct {
	deps    map[string]ReadinessChecker
	timeout time.Duration
	clock   clockwork.Clock

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over named dependencies. A nil dependency is
// reported as not configured.
func NewChecker(deps map[string]ReadinessChecker, clock clockwork.Clock) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Checker{
		deps:    deps,
		timeout: 5 * time.Second,
		clock:   clock,
	}
}

// Liveness returns true if the service is alive.
// It never touches a dependency; failing it restarts the process.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness probes every dependency concurrently. Results are cached for a
// second so frequent probes do not hammer the backends.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && c.clock.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		checksM sync.Mutex
		checks  = make(map[string]CheckResult, len(c.deps))
	)
	for name, dep := range c.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.check(ctx, dep)
			checksM.Lock()
			checks[name] = result
			checksM.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, r := range checks {
		if r.Status != StatusHealthy {
			overall = StatusUnhealthy
		}
	}
	response := &Response{Status: overall, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = c.clock.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, dep ReadinessChecker) CheckResult {
	if dep == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown makes readiness fail from now on so load balancers stop
// sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
