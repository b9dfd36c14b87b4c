package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tubelens/outlierd/internal/service"
	"github.com/tubelens/outlierd/pkg/httpx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

// TwoFactorHandler serves the authenticated 2FA management endpoints.
type TwoFactorHandler struct {
	TwoFactorService *service.TwoFactorService
}

type enableTwoFactorRequest struct {
	Secret      string   `json:"secret"`
	Code        string   `json:"code"`
	BackupCodes []string `json:"backupCodes"`
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

// HandleSetup handles POST /v1/2fa/setup. Returns a fresh secret,
// provisioning URI and backup codes; nothing is persisted until enable.
func (h *TwoFactorHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	setup, err := h.TwoFactorService.Setup(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrTwoFactorAlreadyEnabled) {
			httpx.WriteError(w, http.StatusBadRequest, "2FA is already enabled")
			return
		}
		log.Error("2FA setup failed", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, setup)
}

// HandleEnable handles POST /v1/2fa/enable. The client echoes back the
// secret and backup codes from setup together with a current TOTP code.
func (h *TwoFactorHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req enableTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Secret == "" || req.Code == "" || len(req.BackupCodes) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "secret, code and backupCodes are required")
		return
	}

	err := h.TwoFactorService.Enable(ctx, userID, req.Secret, req.Code, req.BackupCodes)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCode):
			httpx.WriteError(w, http.StatusBadRequest, "invalid verification code")
		case errors.Is(err, service.ErrTwoFactorAlreadyEnabled):
			httpx.WriteError(w, http.StatusBadRequest, "2FA is already enabled")
		default:
			log.Error("2FA enable failed", "user_id", userID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// HandleDisable handles POST /v1/2fa/disable with password reconfirmation.
func (h *TwoFactorHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req disableTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "password is required")
		return
	}

	err := h.TwoFactorService.Disable(ctx, userID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			httpx.WriteError(w, http.StatusUnauthorized, "authentication failed")
		case errors.Is(err, service.ErrTwoFactorNotEnabled):
			httpx.WriteError(w, http.StatusBadRequest, "2FA is not enabled")
		default:
			log.Error("2FA disable failed", "user_id", userID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// HandleRegenerateBackupCodes handles POST /v1/2fa/backup-codes/regenerate.
// The new codes are shown once.
func (h *TwoFactorHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	codes, err := h.TwoFactorService.RegenerateBackupCodes(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrTwoFactorNotEnabled) {
			httpx.WriteError(w, http.StatusBadRequest, "2FA is not enabled")
			return
		}
		log.Error("backup code regeneration failed", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

// HandleBackupCodeStatus handles GET /v1/2fa/backup-codes/status.
func (h *TwoFactorHandler) HandleBackupCodeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	status, err := h.TwoFactorService.BackupCodeStatus(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrTwoFactorNotEnabled) {
			httpx.WriteError(w, http.StatusBadRequest, "2FA is not enabled")
			return
		}
		log.Error("backup code status failed", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, status)
}
