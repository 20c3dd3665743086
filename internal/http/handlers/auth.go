package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/middleware"
	"github.com/Qwaper/BigD-Gram/internal/model"
)

// AuthHandler handles account endpoints
type AuthHandler struct {
	authService    *auth.AuthService
	ipLimiter      *middleware.RateLimiter
	contactLimiter *middleware.RateLimiter
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService) *AuthHandler {
	// 20 per 10min per IP for register/login, 5 per 10min per contact address for login.
	return &AuthHandler{
		authService:    authService,
		ipLimiter:      middleware.NewRateLimiter(10*time.Minute, 20),
		contactLimiter: middleware.NewRateLimiter(10*time.Minute, 5),
	}
}

// credentialsRequest is the request body for POST /auth/register and /auth/login
type credentialsRequest struct {
	ContactAddress string `json:"contact_address"`
	Secret         string `json:"secret"`
	DisplayName    string `json:"display_name,omitempty"`
}

// sessionResponse is the JSON response for register and login
type sessionResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	User         userResponse `json:"user"`
}

// userResponse is the account object in API responses
type userResponse struct {
	ID             string `json:"id"`
	ContactAddress string `json:"contact_address"`
	DisplayName    string `json:"display_name"`
}

func toUserResponse(a *model.Account) userResponse {
	return userResponse{ID: a.ID.String(), ContactAddress: a.ContactAddress, DisplayName: a.DisplayName}
}

func (h *AuthHandler) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.ContactAddress = strings.TrimSpace(req.ContactAddress)
	if req.ContactAddress == "" || req.Secret == "" {
		respondWithError(w, http.StatusBadRequest, "contact_address and secret are required")
		return req, false
	}
	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return req, false
	}
	return req, true
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	account, tokens, err := h.authService.Register(r.Context(), req.ContactAddress, req.Secret, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrAccountExists):
			respondWithError(w, http.StatusConflict, "account already exists")
		default:
			logMaskedContact(req.ContactAddress, "registration failed", err)
			respondWithError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	log.Info().Str("user_id", account.ID.String()).Str("contact", maskContact(account.ContactAddress)).Msg("account registered")
	respondJSON(w, http.StatusCreated, sessionResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "bearer",
		User:         toUserResponse(account),
	})
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}
	if !h.contactLimiter.Allow(middleware.GetContactKey(req.ContactAddress)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	account, tokens, err := h.authService.Login(r.Context(), req.ContactAddress, req.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondWithError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logMaskedContact(req.ContactAddress, "login failed", err)
		respondWithError(w, http.StatusInternalServerError, "login failed")
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "bearer",
		User:         toUserResponse(account),
	})
}

// refreshRequest is the request body for POST /auth/refresh and /auth/logout
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the JSON response for refresh
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func decodeRefresh(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return "", false
	}
	return req.RefreshToken, true
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := decodeRefresh(w, r)
	if !ok {
		return
	}
	tokens, err := h.authService.RefreshTokens(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenReuseDetected) {
			respondWithError(w, http.StatusUnauthorized, "refresh_token_reuse_detected")
			return
		}
		if !errors.Is(err, auth.ErrInvalidRefreshToken) {
			log.Error().Err(err).Msg("refresh failed")
		}
		respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	respondJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "bearer",
	})
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := decodeRefresh(w, r)
	if !ok {
		return
	}
	if err := h.authService.Logout(r.Context(), token); err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated account.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccount(r.Context())
	if !ok || account == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(account))
}

// displayNameRequest is the request body for PUT /me/display_name
type displayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// HandleSetDisplayName handles PUT /me/display_name (protected)
func (h *AuthHandler) HandleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccount(r.Context())
	if !ok || account == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req displayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.authService.SetDisplayName(r.Context(), account.ID, req.DisplayName); err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			respondWithError(w, http.StatusBadRequest, "display_name is required")
			return
		}
		log.Error().Err(err).Str("user_id", account.ID.String()).Msg("set display name failed")
		respondWithError(w, http.StatusInternalServerError, "failed to update display name")
		return
	}
	updated := *account
	updated.DisplayName = strings.TrimSpace(req.DisplayName)
	respondJSON(w, http.StatusOK, toUserResponse(&updated))
}

// respondJSON writes v as the JSON response body
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// logMaskedContact logs an error with the contact address masked
func logMaskedContact(contact, msg string, err error) {
	log.Error().Err(err).Str("contact", maskContact(contact)).Msg(msg)
}

// maskContact masks a contact address for logging (e.g., al***@example.com)
func maskContact(contact string) string {
	local, domain, ok := strings.Cut(contact, "@")
	if !ok || len(local) <= 2 {
		return "****@" + domain
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + "@" + domain
}
