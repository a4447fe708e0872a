// Package console exposes the daemon's local HTTP API. It binds to
// loopback; the gateway API key never transits this surface.
package console

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/conversation"
	"github.com/caiombs/zapcoach/internal/dispatch"
	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/instance"
	"github.com/caiombs/zapcoach/internal/metrics"
	"github.com/caiombs/zapcoach/internal/pairing"
	"github.com/caiombs/zapcoach/internal/paths"
)

// Problem is the error body for every non-2xx console response.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Server is the console fiber application.
type Server struct {
	app     *fiber.App
	logger  *zap.Logger
	addr    string
	handler *Handlers
}

// NewServer builds the console server and its route table.
func NewServer(
	addr string,
	registry *instance.Registry,
	manager *pairing.Manager,
	sync *conversation.Sync,
	refresher *conversation.Refresher,
	dispatcher *dispatch.Dispatcher,
	b *bus.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		logger:  logger.With(zap.String("component", "console")),
		addr:    addr,
		handler: NewHandlers(registry, manager, sync, refresher, dispatcher, b, logger),
	}

	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/metrics" {
			return c.Next()
		}
		s.logger.Info("console request",
			zap.String("method", c.Method()),
			zap.String("path", path))
		return c.Next()
	})

	app.Get("/healthz", s.handler.Health)
	if m != nil {
		app.Get("/metrics", adaptor(m))
	}

	v1 := app.Group("/api/v1")
	v1.Get("/events", s.handler.Events)
	v1.Get("/instances", s.handler.ListInstances)
	v1.Post("/instances", s.handler.CreateInstance)
	v1.Post("/instances/recover", s.handler.RecoverActive)
	v1.Delete("/instances/:name", s.handler.DeleteInstance)
	v1.Post("/instances/:name/logout", s.handler.LogoutInstance)
	v1.Post("/instances/:name/pairing", s.handler.BeginPairing)
	v1.Get("/instances/:name/pairing", s.handler.PairingState)
	v1.Delete("/instances/:name/pairing", s.handler.CancelPairing)
	v1.Get("/instances/:name/chats", s.handler.ListChats)
	v1.Get("/instances/:name/chats/:chatID/messages", s.handler.ListMessages)
	v1.Post("/instances/:name/messages", s.handler.SendText)
	v1.Post("/instances/:name/messages/bulk", s.handler.SendBulk)

	return s
}

// Listen blocks serving the console API.
func (s *Server) Listen() error {
	s.logger.Info("console listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func adaptor(m *metrics.Metrics) fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(m.Handler())
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}

// errorHandler maps classified gateway errors to console statuses. Auth
// failures against the gateway surface as 502, not 401: the console caller
// did nothing wrong, the daemon's configured key did.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		kind := "internal"

		var fiberErr *fiber.Error
		var netErr *gateway.NetworkError
		switch {
		case errors.As(err, &fiberErr):
			status = fiberErr.Code
			kind = "request"
		case errors.Is(err, gateway.ErrNotFound):
			status = fiber.StatusNotFound
			kind = "not_found"
		case errors.Is(err, gateway.ErrConflict):
			status = fiber.StatusConflict
			kind = "conflict"
		case errors.Is(err, gateway.ErrAuth):
			status = fiber.StatusBadGateway
			kind = "gateway_auth"
		case errors.Is(err, gateway.ErrServer), errors.As(err, &netErr):
			status = fiber.StatusBadGateway
			kind = "gateway_unavailable"
		case errors.Is(err, paths.ErrInvalidInstanceName):
			status = fiber.StatusBadRequest
			kind = "invalid_name"
		case errors.Is(err, instance.ErrNoActive):
			status = fiber.StatusNotFound
			kind = "no_active_instance"
		}

		if status >= fiber.StatusInternalServerError {
			logger.Error("console request failed",
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err))
		}

		return c.Status(status).JSON(Problem{
			Type:   kind,
			Title:  http.StatusText(status),
			Status: status,
			Detail: err.Error(),
		})
	}
}
