package api

import (
	"net/http"
	"time"

	"sentimental/internal/health"
	"sentimental/internal/job"
	"sentimental/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Poller        PassRunner
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	PollDeadline  time.Duration // bounds passes triggered over HTTP; zero leaves only the request context
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Poller, cfg.HealthChecker)
	handler.pollDeadline = cfg.PollDeadline

	mux := http.NewServeMux()

	// Probes are unauthenticated.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/poll", auth(http.HandlerFunc(handler.Poll)))
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))

	// Outermost first.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
