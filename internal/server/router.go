package server

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const contextKeyRequestID = "_symhub_request_id"

// AppOptions 控制 Fiber 应用的装配方式。
type AppOptions struct {
	Logger  *logrus.Logger
	Handler *Handler
	Metrics http.Handler
}

// NewApp builds a Fiber application with request-ID middleware, the symbol
// routes and the `/-/` diagnostics surface.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("symbol handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	app.Get("/symbols", opts.Handler.ListSymbols)
	app.Get("/:name/:identifier/:filename", opts.Handler.GetSymbol)
	// 兼容 symsrv 客户端使用的历史路径前缀
	app.Get("/download/symbols/:name/:identifier/:filename", opts.Handler.GetSymbol)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并回写响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
