package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/transport"
)

const (
	defaultTimeout = 30 * time.Second
	maxDrainBytes  = 64 << 10
)

type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryMax enables retries inside a single delivery attempt. The
	// dispatcher owns backoff, so this stays zero unless the network is known
	// to drop connections.
	RetryMax int `mapstructure:"retry_max"`
}

type Client struct {
	client *retryablehttp.Client
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		client: rc,
		logger: logger.With().Str("component", "transport_http").Logger(),
	}
}

func (c *Client) Deliver(ctx context.Context, req transport.Request) transport.Outcome {
	r, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, req.Body)
	if err != nil {
		return transport.Outcome{Kind: transport.ClientRejected, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, values := range req.Header {
		for _, v := range values {
			r.Header.Add(k, v)
		}
	}
	if req.PayloadID != "" {
		r.Header.Set(transport.HeaderPayloadID, req.PayloadID)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transport.Outcome{Kind: transport.TransientFailure, Err: ctxErr}
		}
		c.logger.Debug().Err(err).Str("payload_id", req.PayloadID).Msg("delivery failed")
		return transport.Outcome{Kind: transport.TransientFailure, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	outcome := transport.Outcome{
		Kind:       transport.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
	if outcome.Kind != transport.Accepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		outcome.Err = errors.New(http.StatusText(resp.StatusCode))
		c.logger.Debug().Int("status", resp.StatusCode).Bytes("body", body).
			Str("payload_id", req.PayloadID).Msg("delivery not accepted")
	}
	return outcome
}
