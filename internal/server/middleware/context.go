package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/gcquraishi/chronosgraph/internal/queue"
	"github.com/gcquraishi/chronosgraph/internal/storage"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// AppUser is the caller of an API request.
type AppUser struct {
	AgentID string
}

// App holds the dependencies shared by every request. Queue and Objects
// are nil when RabbitMQ or S3 are not configured.
type App struct {
	Store       store.GraphStorage
	Review      *review.Queue
	Queue       queue.Channel
	IngestQueue string
	EnrichQueue string
	Objects     storage.ObjectStore
	APIKey      string
	AgentID     string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
