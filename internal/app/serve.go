package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"spendsense/internal/api"
)

// Serve runs the operator HTTP API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var regen api.Regenerator
	runner, _, err := a.newRunner(store)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("on-demand regeneration disabled")
	} else {
		regen = runner
	}

	if a.Config.API.Mode != "" {
		gin.SetMode(a.Config.API.Mode)
	}
	server := &http.Server{
		Addr:         a.Config.API.Addr,
		Handler:      api.NewRouter(api.NewHandler(store, regen, a.Logger)),
		ReadTimeout:  a.Config.API.ReadTimeout,
		WriteTimeout: a.Config.API.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Msg("api listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.Config.API.ShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.Logger.Info().Msg("api stopped")
	return nil
}
