package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/apierror"
	"github.com/leshachaplin/tracker/internal/codec"
	"github.com/leshachaplin/tracker/internal/domain"
)

const defaultMaxBodyBytes = 4 << 20

type Storage interface {
	StoreEvents(ctx context.Context, batch domain.ReceivedBatch) error
}

// Delivery is one batch as it arrived, before decoding.
type Delivery struct {
	PayloadID string
	AppKey    string
	ClientIP  string
	Encoding  string
	Body      []byte
}

type Service struct {
	storage      Storage
	maxBodyBytes int64
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(storage Storage, maxBodyBytes int64, logger zerolog.Logger) *Service {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Service{
		storage:      storage,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
		logger:       logger.With().Str("component", "collector").Logger(),
	}
}

// Ingest decodes and stores one delivery. Errors are apierror.Error values
// carrying the status the sender should see.
func (s *Service) Ingest(ctx context.Context, d Delivery) (int, error) {
	raw, err := codec.Decode(d.Encoding, d.Body, s.maxBodyBytes)
	switch {
	case errors.Is(err, codec.ErrTooLarge):
		return 0, apierror.NewAPIError("decoded payload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, codec.ErrUnsupportedEncoding):
		return 0, apierror.NewAPIError(err.Error(), http.StatusUnsupportedMediaType)
	case err != nil:
		return 0, apierror.NewAPIError(fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
	}

	events, err := ParsePayload(raw)
	if err != nil {
		return 0, apierror.NewAPIError(err.Error(), http.StatusBadRequest)
	}

	serverTime := s.now().UTC()
	for i := range events {
		events[i].PayloadID = d.PayloadID
		events[i].AppKey = d.AppKey
		events[i].EnrichWith(d.ClientIP, serverTime)
	}

	if err := s.storage.StoreEvents(ctx, domain.ReceivedBatch{ID: d.PayloadID, Events: events}); err != nil {
		s.logger.Error().Err(err).Str("payload_id", d.PayloadID).Msg("failed to store events")
		return 0, apierror.NewAPIError("failed to store events", http.StatusServiceUnavailable)
	}

	s.logger.Debug().Str("payload_id", d.PayloadID).Int("events", len(events)).Msg("events stored")
	return len(events), nil
}
