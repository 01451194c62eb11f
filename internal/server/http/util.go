package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/apierror"
)

func EncodeJSONResponse[T any](w http.ResponseWriter, code int, data T) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if code == http.StatusNoContent {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteError answers with err as an apierror.Error; anything else is a 500.
func WriteError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	var apiErr apierror.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierror.NewAPIError(err.Error(), http.StatusInternalServerError)
	}

	if apiErr.StatusCode() >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	if err := EncodeJSONResponse(w, apiErr.StatusCode(), apiErr); err != nil {
		logger.Error().Err(err).Msg("failed to encode error response")
	}
}

func ClientIP(req *http.Request) string {
	out, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		if xoff := req.Header.Get("X-Original-Forwarded-For"); xoff != "" {
			out = xoff
		} else {
			xff := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
			if len(xff) == 0 {
				return ""
			}

			if xff[0] != req.Header.Get("X-Envoy-External-Address") {
				out = strings.TrimSpace(xff[0])
			}
		}
	}

	if ip := net.ParseIP(out); out != "" && ip != nil {
		if ip.IsLoopback() {
			return "127.0.0.1"
		}

		return out
	}

	return "0.0.0.0"
}

// LoopbackOnly refuses requests that do not originate from this host.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			WriteError(w, apierror.NewAPIError("agent accepts local requests only", http.StatusForbidden), zerolog.Nop())
			return
		}
		next.ServeHTTP(w, r)
	})
}
