package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leshachaplin/tracker/internal/apierror"
	"github.com/leshachaplin/tracker/internal/domain"
)

type trackRequest struct {
	EventName    string        `json:"event_name"`
	Values       domain.Values `json:"values"`
	VisitorID    string        `json:"visitor_id"`
	LibraryName  string        `json:"library"`
	NotRetryable bool          `json:"not_retryable"`
	// Timestamp is the capture instant in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type trackResponse struct {
	Accepted int `json:"accepted"`
}

type optOutBody struct {
	OptOut bool `json:"opt_out"`
}

type flushResponse struct {
	Pending int `json:"pending"`
}

// Track accepts a JSON array of events or one event per line. The whole
// request is refused if any event is invalid.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, apierror.NewAPIError("request body too large", http.StatusRequestEntityTooLarge), h.logger)
			return
		}
		WriteError(w, apierror.NewAPIError(err.Error(), http.StatusBadRequest), h.logger)
		return
	}

	requests, err := parseTrackRequests(data)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	events := make([]domain.Event, 0, len(requests))
	for i, req := range requests {
		params := domain.Params{
			Values:       req.Values,
			VisitorID:    req.VisitorID,
			LibraryName:  req.LibraryName,
			NotRetryable: req.NotRetryable,
		}
		if req.Timestamp > 0 {
			params.Timestamp = time.UnixMilli(req.Timestamp)
		}

		ev, err := domain.NewEvent(req.EventName, params)
		if err != nil {
			WriteError(w, apierror.NewAPIError(err.Error(), http.StatusBadRequest).WithDetail("index", i), h.logger)
			return
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		h.tracker.Submit(ev, nil)
	}

	h.logger.Debug().Str("client_ip", ClientIP(r)).Int("events", len(events)).Msg("events submitted")
	if err := EncodeJSONResponse(w, http.StatusAccepted, trackResponse{Accepted: len(events)}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func parseTrackRequests(data []byte) ([]trackRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, apierror.NewAPIError("empty request body", http.StatusBadRequest)
	}

	if data[0] == '[' {
		var requests []trackRequest
		if err := json.Unmarshal(data, &requests); err != nil {
			return nil, apierror.NewAPIError(fmt.Sprintf("malformed event array: %v", err), http.StatusBadRequest)
		}
		return requests, nil
	}

	var requests []trackRequest
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64<<10), len(data)+1)
	scanner.Split(bufio.ScanLines)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var req trackRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierror.NewAPIError(fmt.Sprintf("malformed event: %v", err), http.StatusBadRequest).
				WithDetail("line", line)
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, apierror.NewAPIError(err.Error(), http.StatusBadRequest)
	}

	return requests, nil
}

func (h *Handler) OptOut(w http.ResponseWriter, r *http.Request) {
	if err := EncodeJSONResponse(w, http.StatusOK, optOutBody{OptOut: h.tracker.IsOptedOut()}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) SetOptOut(w http.ResponseWriter, r *http.Request) {
	var body optOutBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		WriteError(w, apierror.NewAPIError(fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest), h.logger)
		return
	}

	if err := h.tracker.SetOptOut(r.Context(), body.OptOut); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info().Bool("opt_out", body.OptOut).Msg("opt-out changed")
	if err := EncodeJSONResponse(w, http.StatusOK, optOutBody{OptOut: h.tracker.IsOptedOut()}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	h.tracker.Flush()

	pending, err := h.tracker.Pending(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := EncodeJSONResponse(w, http.StatusAccepted, flushResponse{Pending: pending}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
