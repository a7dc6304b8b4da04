package remote

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/logging"
)

const (
	contextKeyRequestID = "_buildcache_request_id"
	defaultBodyLimit    = 1 << 30
)

// AppOptions controls how the cache peer's Fiber application behaves.
type AppOptions struct {
	Logger  *logrus.Logger
	Manager *cache.Manager
	// BodyLimit caps multipart uploads in bytes; zero selects 1 GiB.
	BodyLimit int
}

// NewApp builds the Fiber application that serves a cache.Manager over HTTP.
// The manager should have its own remote tier disabled so peers never chain.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("cache manager is required")
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     bodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &entryHandler{manager: opts.Manager, logger: opts.Logger}
	// HEAD 先于 GET 注册，避免被 GET 的隐式 HEAD 路由截获并计入命中统计。
	app.Head("/v1/entries/:handle", h.head)
	app.Get("/v1/entries/:handle", h.get)
	app.Get("/v1/entries/:handle/files/:index", h.file)
	app.Put("/v1/entries/:handle", h.put)
	app.Post("/v1/purge", h.purge)

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(requestIDHeader, reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}
		fields := logging.RequestFields(c.Method(), c.Path(), reqID, status)
		fields["duration_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		if err != nil || status >= fiber.StatusInternalServerError {
			entry.Warn("request_failed")
		} else {
			entry.Debug("request_completed")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the request middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
