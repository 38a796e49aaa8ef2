package edge

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

// Server is the edge process's HTTP/WebSocket termination point: a
// health endpoint plus a single WebSocket tunnel that carries every
// typed client request.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	connMgr    *ConnectionManager
}

// NewServer wires a Server around a ConnectionManager and registers its
// routes.
func NewServer(connMgr *ConnectionManager) *Server {
	e := echo.New()
	s := &Server{echo: e, connMgr: connMgr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "healthy",
		"activeConnections": s.connMgr.ActiveConnections(),
	})
}

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// ConnectionManager. Origin validation is left to the deployment's
// reverse proxy.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.connMgr.HandleConnection(c.Request().Context(), conn)
	return nil
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// cmd/novad binds the listener itself and serves through this method.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
