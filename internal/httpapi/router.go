// Package httpapi exposes the session controls and health endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shidurit/voice-agent/internal/observability"
	"github.com/shidurit/voice-agent/internal/voice"
)

// Controller is the session surface the UI drives
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	ToggleMute() bool
	SetMuted(muted bool)
	Status() voice.Status
}

// Options configures the router
type Options struct {
	Checks         map[string]observability.HealthCheckFunc
	MetricsEnabled bool
	Logger         zerolog.Logger
}

type handlers struct {
	ctrl   Controller
	checks map[string]observability.HealthCheckFunc
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type muteResponse struct {
	Muted bool `json:"muted"`
}

type errorResponse struct {
	Error  string       `json:"error"`
	Status voice.Status `json:"status"`
}

// New creates a configured Echo server instance
func New(ctrl Controller, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(opts.Logger))
	e.Use(middleware.Recover())

	h := handlers{ctrl: ctrl, checks: opts.Checks}
	e.GET("/health", h.health)
	e.GET("/ready", h.ready)
	e.POST("/session/start", h.start)
	e.POST("/session/stop", h.stop)
	e.POST("/session/mute", h.toggleMute)
	e.PUT("/session/mute", h.setMute)
	e.GET("/session/state", h.state)

	if opts.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Info()
			if v.Error != nil {
				event = logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	})
}

func (h handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, observability.Liveness())
}

func (h handlers) ready(c echo.Context) error {
	status, ok := observability.Readiness(c.Request().Context(), h.checks)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

func (h handlers) start(c echo.Context) error {
	err := h.ctrl.Start(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, h.ctrl.Status())
	case errors.Is(err, voice.ErrSessionActive):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Status: h.ctrl.Status()})
	case errors.Is(err, voice.ErrClosed):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Status: h.ctrl.Status()})
	default:
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "failed to connect", Status: h.ctrl.Status()})
	}
}

func (h handlers) stop(c echo.Context) error {
	if err := h.ctrl.Stop(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Status: h.ctrl.Status()})
	}
	return c.JSON(http.StatusOK, h.ctrl.Status())
}

func (h handlers) toggleMute(c echo.Context) error {
	return c.JSON(http.StatusOK, muteResponse{Muted: h.ctrl.ToggleMute()})
}

func (h handlers) setMute(c echo.Context) error {
	var req muteRequest
	if err := c.Bind(&req); err != nil || req.Muted == nil {
		return echo.NewHTTPError(http.StatusBadRequest, `body must be {"muted": true|false}`)
	}
	h.ctrl.SetMuted(*req.Muted)
	return c.JSON(http.StatusOK, muteResponse{Muted: *req.Muted})
}

func (h handlers) state(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ctrl.Status())
}
