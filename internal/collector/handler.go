package collector

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/apierror"
	httpserver "github.com/leshachaplin/tracker/internal/server/http"
	"github.com/leshachaplin/tracker/internal/transport"
)

type Config struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// AppKeys, when set, is the allowlist of accepted X-App-Key values.
	AppKeys []string `mapstructure:"app_keys"`
	Storage string   `mapstructure:"storage"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

// Handler is the receiving end of the tracker's HTTP transport.
type Handler struct {
	service *Service
	appKeys map[string]struct{}
	limit   int64
	logger  zerolog.Logger
}

func NewHandler(service *Service, appKeys []string, logger zerolog.Logger) *Handler {
	h := &Handler{
		service: service,
		limit:   service.maxBodyBytes,
		logger:  logger.With().Str("component", "collector_api").Logger(),
	}
	if len(appKeys) > 0 {
		h.appKeys = make(map[string]struct{}, len(appKeys))
		for _, k := range appKeys {
			h.appKeys[k] = struct{}{}
		}
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/native/track", h.Track)
}

func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	appKey := r.Header.Get(transport.HeaderAppKey)
	if h.appKeys != nil {
		if _, ok := h.appKeys[appKey]; !ok {
			httpserver.WriteError(w, apierror.NewAPIError("unknown app key", http.StatusForbidden), h.logger)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, apierror.NewAPIError("request body too large", http.StatusRequestEntityTooLarge), h.logger)
			return
		}
		httpserver.WriteError(w, apierror.NewAPIError(err.Error(), http.StatusBadRequest), h.logger)
		return
	}

	n, err := h.service.Ingest(r.Context(), Delivery{
		PayloadID: r.Header.Get(transport.HeaderPayloadID),
		AppKey:    appKey,
		ClientIP:  httpserver.ClientIP(r),
		Encoding:  r.Header.Get("Content-Encoding"),
		Body:      body,
	})
	if err != nil {
		httpserver.WriteError(w, err, h.logger)
		return
	}

	if err := httpserver.EncodeJSONResponse(w, http.StatusOK, ingestResponse{Accepted: n}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
