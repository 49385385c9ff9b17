// Package server exposes a txcore.Core over HTTP with gin.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/txcore/pkg/txcore"
	"github.com/randalmurphal/txcore/pkg/txcore/config"
	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// BookingTTL is how long booking and event-trigger responses are replayable.
const BookingTTL = time.Hour

// ExternalCall is the dependency behind GET /external-service-call.
type ExternalCall func(ctx context.Context) (gin.H, error)

// Server is the gin HTTP surface over a Core.
type Server struct {
	Engine *gin.Engine
	Addr   string

	core     *txcore.Core
	services config.ServicesConfig
	logger   *slog.Logger
	external ExternalCall
	newID    func() string
}

// Option configures a Server.
type Option func(*Server)

// WithExternalCall replaces the dependency behind the breaker demo route.
func WithExternalCall(fn ExternalCall) Option {
	return func(s *Server) { s.external = fn }
}

// WithIDGenerator sets the booking id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// New builds the gin engine for core and registers the booking and
// customer event handlers on its consumer.
func New(core *txcore.Core, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	switch cfg.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Engine:   gin.New(),
		Addr:     cfg.Addr(),
		core:     core,
		services: cfg.Services,
		logger:   core.Logger,
		newID:    newBookingID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.external == nil {
		s.external = httpExternalCall(cfg.Services.External)
	}

	if err := RegisterEventHandlers(core.Consumer, s.logger); err != nil {
		return nil, err
	}

	r := s.Engine
	r.Use(gin.Recovery(), requestLogger(s.logger))

	idem := Idempotent(core.Guard, BookingTTL)

	r.GET("/health", s.healthHandler)
	r.POST("/bookings", idem, s.createBooking)

	events := r.Group("/events", idem)
	events.POST("/trigger-booking-event", s.triggerBookingEvent)
	events.POST("/trigger-customer-event", s.triggerCustomerEvent)

	r.GET("/sagas/status", s.sagaStatus)
	r.POST("/sagas/cancel", s.cancelSaga)
	r.POST("/tasks/retry", s.scheduleRetry)
	r.GET("/external-service-call", s.externalServiceCall)

	r.POST("/process-event", s.processEvent)
	r.POST("/process-dlq-message", s.processDeadLetter)
	return s, nil
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting HTTP server", slog.String("address", s.Addr))

	served := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		s.logger.Info("stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server forced to shutdown", slog.String("error", err.Error()))
		}
	}()

	err := srv.ListenAndServe()
	close(served)
	<-stopped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func writeError(c *gin.Context, err error) {
	status, body := txerrors.ToResponse(err)
	c.AbortWithStatusJSON(status, body)
}

func notFound(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusNotFound, txerrors.Response{
		Error:   "not_found",
		Message: msg,
		Status:  http.StatusNotFound,
	})
}
