package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/bundle-hub/internal/bundle"
	"github.com/any-hub/bundle-hub/internal/manager"
)

// CacheView is the read-only surface of the bundle cache exposed over HTTP.
// Every method must be safe to call from Fiber's request goroutines;
// *manager.Manager satisfies it.
type CacheView interface {
	Snapshot() []bundle.HandleInfo
	Lookup(name string) (bundle.HandleInfo, bool)
	Stats() manager.Stats
	Rentals() []manager.RentalInfo
}

// AppOptions controls how the diagnostics application is built.
type AppOptions struct {
	Logger *logrus.Logger
	Cache  CacheView
}

const contextKeyRequestID = "_bundlehub_request_id"

// NewApp builds the Fiber application with request-id and error middlewares.
// Routes are attached separately (see routes.RegisterBundleRoutes) so tests
// can exercise the middleware chain on its own.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache view is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，并拒绝诊断前缀之外的路径。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if !isDiagnosticsPath(path) {
			logger.WithFields(logrus.Fields{
				"action":     "diagnostics_lookup",
				"path":       path,
				"request_id": reqID,
			}).Debug("path outside diagnostics prefix")
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "not_found",
			})
		}
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
