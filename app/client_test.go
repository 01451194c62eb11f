package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// agentClient talks to the trackerd API the way an application would.
type agentClient struct {
	url  string
	http *http.Client
}

func newAgentClient(url string) *agentClient {
	return &agentClient{url: url, http: &http.Client{}}
}

func (c *agentClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	return req, nil
}

type eventReq struct {
	EventName string                 `json:"event_name"`
	Values    map[string]interface{} `json:"values,omitempty"`
}

func (c *agentClient) do(ctx context.Context, method, path string, in, out interface{}, wantStatus int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (c *agentClient) SendEvents(ctx context.Context, events []eventReq) error {
	return c.do(ctx, http.MethodPost, "/v1/track", events, nil, http.StatusAccepted)
}

func (c *agentClient) Flush(ctx context.Context) (int, error) {
	var res struct {
		Pending int `json:"pending"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/flush", nil, &res, http.StatusAccepted)
	return res.Pending, err
}

func (c *agentClient) SetOptOut(ctx context.Context, optOut bool) (bool, error) {
	var res struct {
		OptOut bool `json:"opt_out"`
	}
	err := c.do(ctx, http.MethodPut, "/v1/optout", map[string]bool{"opt_out": optOut}, &res, http.StatusOK)
	return res.OptOut, err
}
