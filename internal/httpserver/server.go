// Package httpserver exposes the webhook and management surface over echo.
package httpserver

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lordamdal/beaver-hr-interviewer/internal/guard"
	"github.com/lordamdal/beaver-hr-interviewer/internal/middleware"
	"github.com/lordamdal/beaver-hr-interviewer/internal/orchestrator"
	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
)

// Interviewer is the slice of the orchestrator the HTTP layer drives.
type Interviewer interface {
	HandleAnswer(ctx context.Context, ev orchestrator.Event) (string, error)
	HandleGather(ctx context.Context, ev orchestrator.Event) (string, error)
	HandleStatus(ctx context.Context, ev orchestrator.Event) (string, error)
	HandleRecordingStatus(ctx context.Context, ev orchestrator.Event) (string, error)
	StartCall(ctx context.Context, toNumber string) (*session.InterviewSession, error)
	GetSession(ctx context.Context, sessionID string) (*session.InterviewSession, error)
}

// Options configures the HTTP server.
type Options struct {
	TwilioAuthToken string
	BaseURL         string
}

// New creates a configured Echo server instance with all routes registered.
func New(orc Interviewer, g *guard.Guard, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(middleware.TwilioAuth(
		func() string { return opts.TwilioAuthToken },
		func() string { return opts.BaseURL },
	))

	h := &handlers{orc: orc, guard: g}

	e.POST("/twilio/answer", h.answer)
	e.POST("/twilio/gather", h.gather)
	e.POST("/twilio/status", h.status)
	e.POST("/twilio/recording-status", h.recordingStatus)

	e.POST("/calls", h.startCall)
	e.GET("/sessions/:id", h.getSession)
	e.GET("/healthz", h.healthz)

	return e
}
