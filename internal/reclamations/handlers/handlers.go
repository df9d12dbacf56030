package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/middleware"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/repository"
	"github.com/25x8/reclamations/internal/reclamations/service"
	"github.com/25x8/reclamations/internal/reclamations/utils"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// Handler handles all HTTP requests
type Handler struct {
	Repo      repository.Repository
	Validator *service.Validator
	Ledger    *loyalty.Ledger
	JWTSecret string
}

// NewHandler creates a new handler
func NewHandler(repo repository.Repository, validator *service.Validator, ledger *loyalty.Ledger, jwtSecret string) *Handler {
	return &Handler{
		Repo:      repo,
		Validator: validator,
		Ledger:    ledger,
		JWTSecret: jwtSecret,
	}
}

type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// RegisterUser handles user registration
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, "Login and password are required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleCustomer
	}
	if req.Role != models.RoleCustomer && req.Role != models.RoleRestaurant {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	userID, err := h.Repo.CreateUser(ctx, req.Login, req.Email, req.Role, string(hashedPassword))
	if errors.Is(err, repository.ErrLoginTaken) {
		http.Error(w, "Login already taken", http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("Error creating user %s: %v", req.Login, err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	h.issueToken(w, &models.User{ID: userID, Login: req.Login, Email: req.Email, Role: req.Role})
}

// LoginUser handles user login
func (h *Handler) LoginUser(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, "Login and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.Repo.GetUserByLogin(r.Context(), req.Login)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	h.issueToken(w, user)
}

func (h *Handler) issueToken(w http.ResponseWriter, user *models.User) {
	token, err := middleware.GenerateToken(user, h.JWTSecret)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	middleware.SetAuthCookie(w, token)
	w.Header().Set("Authorization", "Bearer "+token)
	w.WriteHeader(http.StatusOK)
}

// CreateReclamation files a new reclamation and queues its analysis
func (h *Handler) CreateReclamation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ClientName      string   `json:"clientName"`
		OrderRef        string   `json:"orderRef"`
		RestaurantID    string   `json:"restaurantId"`
		RestaurantEmail string   `json:"restaurantEmail"`
		Description     string   `json:"description"`
		ComplaintType   string   `json:"complaintType"`
		Photos          []string `json:"photos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if req.ClientName == "" {
		req.ClientName = user.Login
	}

	rec, err := h.Validator.Create(r.Context(), service.CreateInput{
		UserID:          user.ID,
		ClientName:      req.ClientName,
		ClientEmail:     user.Email,
		OrderRef:        req.OrderRef,
		RestaurantID:    req.RestaurantID,
		RestaurantEmail: req.RestaurantEmail,
		Description:     req.Description,
		ComplaintType:   req.ComplaintType,
		Photos:          req.Photos,
	})
	var verr *utils.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("Error creating reclamation for user %d: %v", user.ID, err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// GetMyReclamations returns the reclamations filed by the caller
func (h *Handler) GetMyReclamations(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	recs, err := h.Repo.GetUserReclamations(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	writeList(w, recs)
}

// GetRestaurantReclamations returns the reclamations addressed to the calling restaurant
func (h *Handler) GetRestaurantReclamations(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	recs, err := h.Repo.GetRestaurantReclamations(r.Context(), fmt.Sprint(user.ID), user.Email)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	writeList(w, recs)
}

// GetReclamation returns one reclamation to its claimant or addressed restaurant
func (h *Handler) GetReclamation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rec, err := h.Repo.GetReclamation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Reclamation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	if !service.CanView(rec, user) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// RespondReclamation stores the answer of the addressed restaurant
func (h *Handler) RespondReclamation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ResponseMessage string `json:"responseMessage"`
		Status          string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	rec, err := h.Validator.Respond(r.Context(), chi.URLParam(r, "id"), user, req.ResponseMessage, req.Status)
	var verr *utils.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Reclamation not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetLoyaltyBalance returns the caller's points, counters and recent history
func (h *Handler) GetLoyaltyBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := h.Ledger.GetPointsBalance(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	if balance == nil {
		http.Error(w, "Loyalty account not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetLoyaltyRewards returns the rewards the caller can afford
func (h *Handler) GetLoyaltyRewards(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rewards, err := h.Ledger.CheckAvailableRewards(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rewards)
}

func writeList(w http.ResponseWriter, recs []models.Reclamation) {
	if len(recs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
