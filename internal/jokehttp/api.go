package jokehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/jokes"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/ledger"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

// Window is how far back requests count toward a client's total
const Window = 24 * time.Hour

// Ledger is the subset of *ledger.Ledger the handlers use.
// TimestampsSince returns an empty, non-nil slice when nothing matches, so
// /joke-stats encodes "timestamps": [] rather than null.
type Ledger interface {
	Record(ctx context.Context, addr string, at time.Time) error
	CountSince(ctx context.Context, addr string, cutoff time.Time) (int, error)
	TimestampsSince(ctx context.Context, addr string, cutoff time.Time) ([]float64, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Jokes is the subset of *jokes.Store the handlers use
type Jokes interface {
	Load(ctx context.Context) ([]string, error)
	PickFrom(set []string) (string, error)
}

// Metrics is optional, nil disables it
type Metrics interface {
	IncJokeServed()
	IncJokeNotFound()
	AddPruned(n int64)
}

// API serves the joke endpoints
type API struct {
	ledger  Ledger
	jokes   Jokes
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
}

type Options struct {
	Ledger  Ledger
	Jokes   Jokes
	Logger  log.Logger
	Metrics Metrics
	// Now defaults to time.Now
	Now func() time.Time
}

// NewAPI creates the joke API handler
func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		ledger:  opts.Ledger,
		jokes:   opts.Jokes,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// RegisterRoutes attaches the joke endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("get_joke")).Get("/get-joke", api.HandleGetJoke)
	r.With(httpmw.Scope("joke_stats")).Get("/joke-stats", api.HandleJokeStats)
}

// HandleGetJoke records the request, then answers with a random joke and the
// caller's request count over the last 24h (including this one)
func (api *API) HandleGetJoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := httpmw.ClientAddr(r)
	now := api.now()
	cutoff := now.Add(-Window)

	if err := api.prune(ctx, cutoff); err != nil {
		api.fail(ctx, w, err, "get-joke", addr)
		return
	}

	// recorded before the jokes are read, so a failed read still counts
	if err := api.ledger.Record(ctx, addr, now); err != nil {
		api.fail(ctx, w, err, "get-joke", addr)
		return
	}

	set, err := api.jokes.Load(ctx)
	if err != nil {
		api.fail(ctx, w, err, "get-joke", addr)
		return
	}

	joke, err := api.jokes.PickFrom(set)
	if err != nil {
		api.fail(ctx, w, err, "get-joke", addr)
		return
	}

	count, err := api.ledger.CountSince(ctx, addr, cutoff)
	if err != nil {
		api.fail(ctx, w, err, "get-joke", addr)
		return
	}

	if api.metrics != nil {
		api.metrics.IncJokeServed()
	}
	api.writeJSON(ctx, w, http.StatusOK, JokeResponse{
		Joke:          joke,
		RequestsToday: count,
	})
}

// HandleJokeStats reports the caller's requests over the last 24h without recording one
func (api *API) HandleJokeStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := httpmw.ClientAddr(r)
	cutoff := api.now().Add(-Window)

	if err := api.prune(ctx, cutoff); err != nil {
		api.fail(ctx, w, err, "joke-stats", addr)
		return
	}

	count, err := api.ledger.CountSince(ctx, addr, cutoff)
	if err != nil {
		api.fail(ctx, w, err, "joke-stats", addr)
		return
	}

	ts, err := api.ledger.TimestampsSince(ctx, addr, cutoff)
	if err != nil {
		api.fail(ctx, w, err, "joke-stats", addr)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, StatsResponse{
		UserIP:            addr,
		JokesRequested24h: count,
		Timestamps:        ts,
	})
}

func (api *API) prune(ctx context.Context, cutoff time.Time) error {
	n, err := api.ledger.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if api.metrics != nil {
		api.metrics.AddPruned(n)
	}
	return nil
}

// fail maps domain errors to responses. Error bodies name a category only,
// the underlying cause goes to the log.
func (api *API) fail(ctx context.Context, w http.ResponseWriter, err error, endpoint, addr string) {
	if errors.Is(err, jokes.ErrNoJokes) {
		if api.metrics != nil {
			api.metrics.IncJokeNotFound()
		}
		api.logger.Warn(ctx, "no jokes available", "endpoint", endpoint)
		writeText(w, http.StatusNotFound, "No jokes available")
		return
	}

	msg := "internal error"
	switch {
	case errors.Is(err, ledger.ErrStorage):
		msg = "database unavailable"
	case errors.Is(err, jokes.ErrResourceRead):
		msg = "jokes unavailable"
	}

	api.logger.Error(ctx, err, "joke request failed",
		"endpoint", endpoint,
		"client.address", addr,
		"request_id", httpmw.RequestIDFromContext(ctx),
	)
	writeText(w, http.StatusInternalServerError, "Error: "+msg)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// every response reflects a fresh ledger read
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
