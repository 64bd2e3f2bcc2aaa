// Package httpapi serves the facilitator over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/obs"
	"x402.org/facilitator/internal/stream"
)

const serviceName = "x402-facilitator"

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the optional collaborators of the API.
type Options struct {
	Version    string
	Owner      ledger.Address
	Tokens     *auth.Tokens
	Stream     *stream.Stream
	Ready      []Pinger
	RateBurst  int
	RatePerSec float64
	MaxBody    int64
}

// API is the HTTP layer over a ledger.Service.
type API struct {
	ledger   ledger.Service
	tokens   *auth.Tokens
	stream   *stream.Stream
	ready    []Pinger
	owner    ledger.Address
	version  string
	validate *validator.Validate
	limiter  *ipLimiter
	maxBody  int64
	now      func() time.Time
}

func New(svc ledger.Service, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 1 << 20
	}
	return &API{
		ledger:   svc,
		tokens:   opts.Tokens,
		stream:   opts.Stream,
		ready:    opts.Ready,
		owner:    opts.Owner,
		version:  opts.Version,
		validate: validator.New(),
		limiter:  newIPLimiter(opts.RateBurst, opts.RatePerSec),
		maxBody:  opts.MaxBody,
		now:      time.Now,
	}
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(MaxBodyBytes(a.maxBody))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.limiter.Middleware)

		r.Get("/info", a.Info)
		r.Get("/stats", a.stats)

		r.Get("/auth/challenge", a.authChallenge)
		r.Post("/auth/token", a.authToken)

		r.Get("/agents/{address}", a.isAuthorized)
		r.With(a.requireCaller).Post("/agents", a.authorizeAgent)
		r.With(a.requireCaller).Delete("/agents/{address}", a.revokeAgent)

		r.With(a.requireCaller).Post("/payment-requests", a.createPaymentRequest)
		r.Get("/payment-requests/{id}", a.getPaymentRequest)
		r.With(a.requireCaller).Post("/payment-requests/{id}/execute", a.executePayment)

		r.Get("/balances/{address}", a.balance)
		r.Get("/events", a.listEvents)
		r.Get("/events/stream", a.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.limiter.Stop()
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range a.ready {
		if err := p.Ping(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
		"owner":   a.owner.Hex(),
	})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.ledger.Stats(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
