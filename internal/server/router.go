package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	// Interceptor handles content requests; it calls c.Next() for requests it
	// does not own. A nil interceptor passes everything through.
	Interceptor fiber.Handler
}

const contextKeyRequestID = "_zimview_request_id"

// NewApp builds a Fiber application with request-id middleware, the content
// interceptor and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) || opts.Interceptor == nil {
			return c.Next()
		}
		return opts.Interceptor(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 将未被拦截的请求渲染为 not_intercepted，其余错误统一输出 JSON。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
		}

		fields := logrus.Fields{
			"action":     "passthrough",
			"path":       string(c.Request().URI().Path()),
			"status":     code,
			"request_id": RequestID(c),
		}
		if code == fiber.StatusNotFound {
			logger.WithFields(fields).Debug("request not intercepted")
			return c.Status(code).JSON(fiber.Map{"error": "not_intercepted"})
		}

		logger.WithFields(fields).WithError(err).Warn("request failed")
		return c.Status(code).JSON(fiber.Map{"error": strings.ToLower(strings.ReplaceAll(fiberStatusText(code), " ", "_"))})
	}
}

func fiberStatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "error"
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
