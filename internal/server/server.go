package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/dmbridge/internal/auth"
	"github.com/memohai/dmbridge/internal/handlers"
)

const defaultAddr = ":8080"

// Handler mounts routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

// jwtSkipRoutes are reachable without a token. GET /callback is where the
// OAuth provider redirects the browser.
var jwtSkipRoutes = map[string]struct{}{
	"GET /ping":     {},
	"HEAD /health":  {},
	"GET /metrics":  {},
	"GET /callback": {},
}

// NewServer builds the echo instance with recovery, request logging, JWT auth
// and every handler mounted.
func NewServer(log *slog.Logger, addr, jwtSecret string, hs ...Handler) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().Method, c.Request().URL.Path)
	}))
	for _, h := range hs {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{echo: e, addr: addr}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func shouldSkipJWT(method, path string) bool {
	path = strings.TrimSuffix(path, "/")
	_, ok := jwtSkipRoutes[method+" "+path]
	return ok
}
