/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/providers/*   Reputation, tiers, declines
  /api/cases/*       Assignment and offer responses
  /api/clients/*     Credits
  /api/admin/*       Batch operations (weekly reset, offer sweep)
  /api/scenarios/*   Demo scenarios
  /api/tiers         Tier reference data
  /metrics           Prometheus
  /healthz           Liveness + store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/engagement/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Post("/", h.RegisterProvider)
			r.Get("/{id}/standing", h.GetStanding)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/audit", h.AuditProvider)
			r.Post("/{id}/actions", h.RecordAction)
			r.Put("/{id}/tier", h.AssignTier)
			r.Post("/{id}/declines", h.RecordDecline)
		})

		r.Route("/cases", func(r chi.Router) {
			r.Post("/assign", h.AssignCase)
			r.Get("/{id}/offer", h.GetOffer)
			r.Post("/{id}/accept", h.AcceptOffer)
			r.Post("/{id}/decline", h.DeclineOffer)
			r.Post("/{id}/timeout", h.TimeoutOffer)
			r.Post("/{id}/complete", h.CompleteCase)
		})

		r.Route("/clients/{id}/credits", func(r chi.Router) {
			r.Get("/", h.GetCredits)
			r.Post("/consume", h.ConsumeCredits)
			r.Post("/purchase", h.PurchaseCredits)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/credits/reset", h.ResetCredits)
			r.Post("/offers/sweep", h.SweepOffers)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Get("/tiers", h.ListTiers)
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
