// Package server is the HTTP surface of the worker: health, metrics, the
// review queue and batch submission.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mid "github.com/gcquraishi/chronosgraph/internal/server/middleware"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the echo instance for app.
func New(app *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit("64M"))

	RegisterRoutes(e)
	return e
}

// Run serves app on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, app *mid.App) error {
	e := New(app)
	if app.APIKey == "" {
		logger.Warn("[Server] No API key configured, /api is open")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] Starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
