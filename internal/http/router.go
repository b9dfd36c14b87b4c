package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tubelens/outlierd/internal/export"
	"github.com/tubelens/outlierd/internal/service"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/httpx"
	"github.com/tubelens/outlierd/pkg/jwtx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	signer       *jwtx.Signer
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	store        store.Store

	AuthService      *service.AuthService
	TwoFactorService *service.TwoFactorService
	ExportPool       *export.Pool
}

func NewRouter(
	signer *jwtx.Signer,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		signer:       signer,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerTwoFactor()
	r.registerExports()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	h := &AuthHandler{AuthService: r.AuthService}

	// Credential endpoints carry the brute-force risk; strict IP limits.
	r.Mux.Handle("POST /v1/auth/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/2fa/verify",
		httpx.Chain(http.HandlerFunc(h.HandleCompleteTwoFactor),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerTwoFactor() {
	h := &TwoFactorHandler{TwoFactorService: r.TwoFactorService}

	authn := httpx.AuthnMiddleware(r.signer)

	r.Mux.Handle("POST /v1/2fa/setup",
		httpx.Chain(http.HandlerFunc(h.HandleSetup),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/2fa/enable",
		httpx.Chain(http.HandlerFunc(h.HandleEnable),
			authn,
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)

	// Operations on an already-enabled 2FA setup require a session that
	// actually passed a 2FA check.
	r.Mux.Handle("POST /v1/2fa/disable",
		httpx.Chain(http.HandlerFunc(h.HandleDisable),
			authn,
			httpx.RequireTwoFactorVerified,
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/2fa/backup-codes/regenerate",
		httpx.Chain(http.HandlerFunc(h.HandleRegenerateBackupCodes),
			authn,
			httpx.RequireTwoFactorVerified,
			httpx.RateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("GET /v1/2fa/backup-codes/status",
		httpx.Chain(http.HandlerFunc(h.HandleBackupCodeStatus),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerExports() {
	h := &ExportsHandler{Store: r.store, Pool: r.ExportPool}

	authn := httpx.AuthnMiddleware(r.signer)
	limit := httpx.RateLimitByUser(httpx.ModerateLimit)

	r.Mux.Handle("POST /v1/exports",
		httpx.Chain(http.HandlerFunc(h.HandleCreate), authn, limit))
	r.Mux.Handle("GET /v1/exports",
		httpx.Chain(http.HandlerFunc(h.HandleList), authn, limit))
	r.Mux.Handle("GET /v1/exports/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleGet), authn, limit))
	r.Mux.Handle("POST /v1/exports/{id}/cancel",
		httpx.Chain(http.HandlerFunc(h.HandleCancel), authn, limit))
	r.Mux.Handle("POST /v1/exports/{id}/retry",
		httpx.Chain(http.HandlerFunc(h.HandleRetry), authn, limit))
	r.Mux.Handle("GET /v1/exports/{id}/download",
		httpx.Chain(http.HandlerFunc(h.HandleDownload), authn, limit))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store, r.ExportPool))
}

// userIDFrom pulls the authenticated user id injected by AuthnMiddleware.
func userIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(httpx.CtxKeyUserID).(string)
	return userID, ok && userID != ""
}
