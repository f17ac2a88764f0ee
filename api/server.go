/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured access log (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web client
  5. Auth:       Bearer token -> domain.Actor (all routes except public)
  6. Admin:      role=admin on /api/admin/*

ROUTE GROUPS:
  /api/health, /api/postback     public
  /api/*                         authenticated user routes (handlers.go)
  /api/admin/*                   admin console (admin.go)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/gig-ledger/logging"
)

// RouterConfig carries the boundary settings that are not handler state.
type RouterConfig struct {
	Auth           *Authenticator
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/postback", h.Postback)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			r.Post("/register", h.Register)

			r.Route("/me", func(r chi.Router) {
				r.Get("/", h.Me)
				r.Put("/bank-details", h.UpdateBankDetails)
				r.Put("/avatar", h.UpdateAvatar)
				r.Get("/referral-code", h.ReferralCode)
				r.Post("/referrer", h.ApplyReferral)
			})

			r.Get("/wallet", h.Wallet)
			r.Get("/transactions", h.Transactions)
			r.Get("/withdrawals", h.MyWithdrawals)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Post("/check-in", h.CheckIn)
			r.Get("/tasks", h.AvailableTasks)
			r.Get("/submissions", h.MySubmissions)
			r.Post("/submissions", h.SubmitTask)
			r.Get("/leaderboard", h.Leaderboard)
			r.Post("/uploads", h.PresignUpload)
			r.Get("/uploads", h.PresignView)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", h.ListTasks)
					r.Post("/", h.CreateTask)
					r.Patch("/{id}", h.UpdateTask)
					r.Post("/expire", h.ExpireTasks)
				})

				r.Route("/submissions", func(r chi.Router) {
					r.Get("/pending", h.PendingSubmissions)
					r.Post("/{id}/approve", h.ApproveSubmission)
					r.Post("/{id}/reject", h.RejectSubmission)
				})

				r.Route("/users", func(r chi.Router) {
					r.Get("/", h.ListUsers)
					r.Post("/{id}/referrer", h.AttachReferrer)
					r.Delete("/{id}/referrer", h.DetachReferrer)
					r.Get("/{id}/move-impact", h.MoveImpact)
				})

				r.Route("/referrals", func(r chi.Router) {
					r.Get("/tree", h.ReferralTree)
					r.Post("/backfill", h.BackfillCodes)
					r.Post("/link", h.LinkByEmail)
					r.Post("/unlink", h.UnlinkByEmail)
				})

				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Post("/load", h.LoadScenario)
				})

				r.Route("/withdrawals", func(r chi.Router) {
					r.Get("/", h.ListWithdrawals)
					r.Post("/{id}/paid", h.MarkWithdrawalPaid)
					r.Post("/{id}/reject", h.RejectWithdrawal)
				})
			})
		})
	})

	return r
}
