package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/xtrntr/escrowmarket/internal/metrics"
)

// RouterOptions configures the HTTP surface around the handlers
type RouterOptions struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP. Only
	// enable it behind a proxy that sets those headers.
	TrustProxy bool
	// Stream serves /ws when set.
	Stream http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter wires every endpoint of the marketplace API
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	limiter := NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)

	r := chi.NewRouter()
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Stream != nil {
		r.Method(http.MethodGet, "/ws", opts.Stream)
	}

	// Public endpoints
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Get("/owner", h.GetOwner)
		r.Get("/admins/{address}", h.IsAdmin)
		r.Get("/counters", h.GetCounters)
		r.Get("/custody", h.GetCustody)
		r.Get("/listings", h.GetListings)
		r.Get("/listings/{id}", h.GetListing)
		r.Get("/deals/{id}", h.GetDeal)
		r.Get("/deals/{id}/locked", h.GetLockedFunds)
		r.Get("/balances/{address}", h.GetBalance)
		r.Get("/events", h.GetEvents)
	})

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Use(limiter.Middleware)

		r.Post("/admins/{address}", h.GrantAdmin)
		r.Delete("/admins/{address}", h.RevokeAdmin)

		r.Post("/listings", h.CreateListing)
		r.Post("/listings/{id}/purchase", h.PurchaseListing)

		r.Post("/deals/{id}/ship", h.ShipDeal)
		r.Post("/deals/{id}/confirm", h.ConfirmDeal)
		r.Post("/deals/{id}/cancel", h.CancelDeal)
		r.Post("/deals/{id}/dispute", h.DisputeDeal)
		r.Post("/deals/{id}/resolve", h.ResolveDeal)

		r.Post("/balance/withdraw", h.Withdraw)
		r.Post("/deposit", h.Deposit)

		r.Get("/me/deals", h.GetMyDeals)
		r.Get("/me/wallet", h.GetMyWallet)
	})

	return r
}
