package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/service"
	"github.com/tubelens/outlierd/pkg/httpx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

// AuthHandler serves the credential endpoints: register, login, the 2FA
// completion step, refresh, and logout.
type AuthHandler struct {
	AuthService *service.AuthService
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totpCode,omitempty"`
}

type completeTwoFactorRequest struct {
	SessionID  string `json:"sessionId"`
	TOTPCode   string `json:"totpCode,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

type authenticatedResponse struct {
	User   userResponse      `json:"user"`
	Tokens *domain.TokenPair `json:"tokens"`
}

func newUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}

// HandleRegister handles POST /v1/auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.AuthService.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameTaken),
			errors.Is(err, service.ErrEmailTaken):
			httpx.WriteError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrWeakPassword),
			errors.Is(err, service.ErrInvalidEmail),
			errors.Is(err, service.ErrInvalidCredentials):
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error("registration failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, authenticatedResponse{
		User:   newUserResponse(result.User),
		Tokens: result.Tokens,
	})
}

// HandleLogin handles POST /v1/auth/login. Locked accounts answer 423 and
// rate-limited 2FA attempts 429 so clients can show a wait; every other
// failure collapses into a uniform 401.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.AuthService.Login(ctx, req.Username, req.Password, req.TOTPCode)
	if err != nil {
		h.writeLoginError(w, log, err)
		return
	}

	httpx.NoCache(w)
	if result.TwoFactor != nil {
		httpx.WriteJSON(w, http.StatusOK, result.TwoFactor)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authenticatedResponse{
		User:   newUserResponse(result.User),
		Tokens: result.Tokens,
	})
}

// HandleCompleteTwoFactor handles POST /v1/auth/2fa/verify, redeeming a
// pending session with either a TOTP code or a backup code.
func (h *AuthHandler) HandleCompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req completeTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	code := req.TOTPCode
	if code == "" {
		code = req.BackupCode
	}
	if req.SessionID == "" || code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "sessionId and a code are required")
		return
	}

	result, err := h.AuthService.CompleteTwoFactorLogin(ctx, req.SessionID, code)
	if err != nil {
		h.writeLoginError(w, log, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, authenticatedResponse{
		User:   newUserResponse(result.User),
		Tokens: result.Tokens,
	})
}

// HandleRefresh handles POST /v1/auth/refresh.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := h.AuthService.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		log.Error("refresh failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// HandleLogout handles POST /v1/auth/logout.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	if err := h.AuthService.Logout(ctx, req.RefreshToken); err != nil {
		log.Error("logout failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrAccountLocked):
		httpx.WriteError(w, http.StatusLocked, "account temporarily locked")
	case errors.Is(err, service.ErrRateLimited):
		httpx.WriteError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSessionExpired),
		errors.Is(err, service.ErrTwoFactorNotEnabled):
		// Uniform message; never reveal which check failed.
		httpx.WriteError(w, http.StatusUnauthorized, "authentication failed")
	default:
		log.Error("login failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
