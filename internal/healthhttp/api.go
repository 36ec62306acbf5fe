package healthhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

// Ledger is the subset of *ledger.Ledger /health needs
type Ledger interface {
	Total(ctx context.Context) (int, error)
}

// Jokes is the subset of *jokes.Store /health needs
type Jokes interface {
	Load(ctx context.Context) ([]string, error)
}

// API serves the /health report and a trivial /-/ping
type API struct {
	ledger Ledger
	jokes  Jokes
	logger log.Logger
	now    func() time.Time
}

type Options struct {
	Ledger Ledger
	Jokes  Jokes
	Logger log.Logger
	Now    func() time.Time
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		ledger: opts.Ledger,
		jokes:  opts.Jokes,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// RegisterRoutes attaches /health and /-/ping to the main chi router.
func (api *API) RegisterRoutes(r chi.Router) {
	// super-dumb liveness: "is the process up and answering?"
	r.Get("/-/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong\n"))
	})

	r.With(httpmw.Scope("health")).Get("/health", api.HandleHealth)
}

// HealthyResponse is returned with 200 when both the ledger and the jokes resource can be read
type HealthyResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	JokesLoaded   int    `json:"jokes_loaded"`
	TotalRequests int    `json:"total_requests"`
	Timestamp     string `json:"timestamp"`
}

// UnhealthyResponse is returned with 500, Error names what failed but not how
type UnhealthyResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// HandleHealth reads the ledger row count and the jokes resource fresh on every call
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ts := api.now().UTC().Format(time.RFC3339)

	total, err := api.ledger.Total(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "health check failed", "check", "database")
		api.writeJSON(ctx, w, http.StatusInternalServerError, UnhealthyResponse{
			Status:    "unhealthy",
			Error:     "database unavailable",
			Timestamp: ts,
		})
		return
	}

	set, err := api.jokes.Load(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "health check failed", "check", "jokes")
		api.writeJSON(ctx, w, http.StatusInternalServerError, UnhealthyResponse{
			Status:    "unhealthy",
			Error:     "jokes unavailable",
			Timestamp: ts,
		})
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, HealthyResponse{
		Status:        "healthy",
		Database:      "connected",
		JokesLoaded:   len(set),
		TotalRequests: total,
		Timestamp:     ts,
	})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
