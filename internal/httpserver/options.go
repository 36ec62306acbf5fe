package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/health"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	Health       health.Checker
	Readiness    health.Checker

	// APIRoutes registers the json endpoints, SiteHandler catches everything else
	APIRoutes   func(chi.Router)
	SiteHandler http.Handler

	// X-App-Version and X-App-Commit response headers, skipped when both are empty
	BuildVersion string
	BuildCommit  string
}
