package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/handler"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/middleware"
)

// Version is set at build time
var Version = "dev"

// NewServeCommand runs the HTTP API and the background sync worker
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the sync worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, serve)
		},
	}
}

func serve(ctx context.Context, app *App) error {
	cfg, log := app.Config, app.Logger
	if cfg.JWTSecret == "" {
		return NewExitError(ExitCommandError, "JWT_SECRET is required to serve the API")
	}

	log.Info("Starting gatekeeper",
		"env", cfg.Env,
		"port", cfg.Port,
		"offline", cfg.Offline(),
		"inbox", app.Paths.Inbox)

	optional := map[string]handler.Pinger{}
	if app.DB != nil {
		optional["remote_store"] = app.DB
	}
	if app.Notifier != nil {
		optional["notifications"] = app.Notifier
	}

	jwtSvc := middleware.NewJWTService(cfg.JWTSecret, cfg.JWTTTL)
	r := httpapi.NewRouter(httpapi.Config{
		Logger:         log,
		AllowedOrigins: cfg.AllowedOrigins,
		DealHandler:    handler.NewDealHandler(app.Intake, app.Archival),
		SyncHandler:    handler.NewSyncHandler(app.Worker),
		HealthHandler:  handler.NewHealthHandler(app.Store, optional, Version),
		JWTMiddleware:  middleware.JWTMiddleware(jwtSvc),
		RateLimit:      float64(cfg.HTTPRateLimit),
		RateBurst:      cfg.HTTPRateLimit,
	})

	// WriteTimeout covers readiness checks and encryption of a decision
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go app.Worker.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
		return err
	}

	app.Worker.Stop()
	log.Info("Server stopped gracefully")
	return nil
}
