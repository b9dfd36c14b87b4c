package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tubelens/outlierd/internal/export"
	httpapi "github.com/tubelens/outlierd/internal/http"
	"github.com/tubelens/outlierd/internal/service"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/internal/store/drivers/sqlite"
	"github.com/tubelens/outlierd/pkg/cryptox"
	"github.com/tubelens/outlierd/pkg/jwtx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

// BuildVersion is stamped at release time.
const BuildVersion = "v0.1.0"

// Application wires config, storage, services, the worker pool, and the
// HTTP server together.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db     store.Store
	vault  *cryptox.Vault
	signer *jwtx.Signer

	authService         *service.AuthService
	twoFactorService    *service.TwoFactorService
	housekeepingService *service.HousekeepingService
	exportPool          *export.Pool

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "outlierd",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initSecrets(); err != nil {
		return nil, err
	}
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	if err := app.exportPool.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start export worker pool: %w", err)
	}

	app.logger.Info("outlierd starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown stops the HTTP server, the worker pool, housekeeping, and the
// database, in that order.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down outlierd...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if err := app.exportPool.Stop(); err != nil {
		app.logger.Error("export pool shutdown failed", "error", err)
	}

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("outlierd stopped")
	return nil
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initSecrets loads the encryption key and JWT secret. Missing values fall
// back to ephemeral material with a loud warning; tokens and stored 2FA
// secrets then do not survive a restart, acceptable only outside prod.
func (app *Application) initSecrets() error {
	if app.cfg.EncryptionKey != "" {
		vault, err := cryptox.NewVault([]byte(app.cfg.EncryptionKey))
		if err != nil {
			return fmt.Errorf("failed to initialize encryption vault: %w", err)
		}
		app.vault = vault
	} else {
		app.logger.Warn("OUTLIERD_ENCRYPTION_KEY not set, using an ephemeral key; " +
			"2FA secrets will be unreadable after restart")
		vault, err := cryptox.NewEphemeralVault()
		if err != nil {
			return fmt.Errorf("failed to initialize ephemeral vault: %w", err)
		}
		app.vault = vault
	}

	secret := app.cfg.JWTSecret
	if secret == "" {
		app.logger.Warn("OUTLIERD_JWT_SECRET not set, using an ephemeral secret; " +
			"issued tokens will not survive a restart")
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			return fmt.Errorf("failed to generate ephemeral JWT secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(b[:])
	}

	signer, err := jwtx.NewSigner([]byte(secret), app.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("failed to initialize token signer: %w", err)
	}
	app.signer = signer
	return nil
}

func (app *Application) initServices() {
	app.twoFactorService = service.NewTwoFactorService(app.db, app.vault, app.cfg.Issuer)
	app.authService = service.NewAuthService(app.db, app.signer, app.twoFactorService, app.cfg.Issuer)

	app.exportPool = export.NewPool(export.Config{
		Store:         app.db,
		Renderer:      &export.AnalysisRenderer{},
		Logger:        app.logger,
		OutputDir:     app.cfg.ExportDir,
		Workers:       app.cfg.ExportWorkers,
		QueueCapacity: app.cfg.ExportQueueCapacity,
	})

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.signer,
		BuildVersion,
		app.db,
		app.logger,
	)

	router.AuthService = app.authService
	router.TwoFactorService = app.twoFactorService
	router.ExportPool = app.exportPool
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
