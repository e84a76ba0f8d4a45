// Package api exposes the inbound webhook surface: GitHub events arrive
// here, get verified and parsed, and are dispatched to the reconciliation
// engine as plain notifications.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/reviewrelay/internal/engine"
	"github.com/reviewrelay/internal/format"
)

// Aggregator fetches upstream state for a work item. Satisfied by
// *github.Client.
type Aggregator interface {
	Aggregate(ctx context.Context, key string) (format.State, error)
}

// Notifier is the engine surface the dispatcher drives.
type Notifier interface {
	Notify(ctx context.Context, n engine.Notification)
	ProcessComment(ctx context.Context, ev engine.CommentEvent)
}

// dispatchTimeout caps one aggregation + reconciliation round trip. The
// engine itself does not cancel mid-flight; the bound lives here in the
// dispatch wrapper.
const dispatchTimeout = 60 * time.Second

// Server is the webhook HTTP server.
type Server struct {
	echo   *echo.Echo
	port   int
	secret []byte
	agg    Aggregator
	engine Notifier
	log    zerolog.Logger
}

// NewServer builds the server. secret is the GitHub webhook HMAC secret;
// empty disables verification.
func NewServer(port int, secret string, agg Aggregator, eng Notifier, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		port:   port,
		secret: []byte(secret),
		agg:    agg,
		engine: eng,
		log:    logger,
	}

	e.GET("/health", s.health)
	e.POST("/webhook/github", s.handleGitHubWebhook)
	return s
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Start runs the server until interrupted, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server stopped")
		}
	}()
	s.log.Info().Int("port", s.port).Msg("webhook server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
