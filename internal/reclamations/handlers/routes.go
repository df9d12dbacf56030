package handlers

import (
	"net/http"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/middleware"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the API routes
func NewRouter(h *Handler, jwtConfig *middleware.JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.RegisterUser)
		r.Post("/login", h.LoginUser)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtConfig))

			r.Get("/loyalty/balance", h.GetLoyaltyBalance)
			r.Get("/loyalty/rewards", h.GetLoyaltyRewards)
		})
	})

	r.Route("/api/reclamations", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtConfig))

		r.Post("/", h.CreateReclamation)
		r.Get("/mine", h.GetMyReclamations)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleRestaurant))

			r.Get("/restaurant", h.GetRestaurantReclamations)
			r.Post("/{id}/response", h.RespondReclamation)
		})

		r.Get("/{id}", h.GetReclamation)
	})

	return r
}
