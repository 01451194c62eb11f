package http

import (
	"context"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/domain"
)

const defaultMaxBodyBytes = 1 << 20

// Tracker is the part of the tracking pipeline the agent API drives.
type Tracker interface {
	Submit(ev domain.Event, done domain.Completion)
	SetOptOut(ctx context.Context, optOut bool) error
	IsOptedOut() bool
	Flush()
	Pending(ctx context.Context) (int, error)
}

// Handler serves the local agent API.
type Handler struct {
	tracker      Tracker
	maxBodyBytes int64
	logger       zerolog.Logger
}

func NewHandler(tracker Tracker, maxBodyBytes int64, logger zerolog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		tracker:      tracker,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With().Str("component", "agent_api").Logger(),
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/track", h.Track)
	r.Get("/optout", h.OptOut)
	r.Put("/optout", h.SetOptOut)
	r.Post("/flush", h.Flush)
}
