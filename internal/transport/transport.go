package transport

import (
	"context"
	"net/http"
)

type Kind int

const (
	Accepted Kind = iota
	ClientRejected
	TransientFailure
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case ClientRejected:
		return "client_rejected"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

const (
	HeaderAppKey    = "X-App-Key"
	HeaderPayloadID = "X-Payload-ID"
)

type Request struct {
	Endpoint  string
	Header    http.Header
	Body      []byte
	PayloadID string
}

type Outcome struct {
	Kind       Kind
	StatusCode int
	Err        error
}

// Transport delivers one serialized batch. Implementations classify every
// result into an Outcome and never retry across calls.
type Transport interface {
	Deliver(ctx context.Context, req Request) Outcome
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req Request) Outcome

func (f Func) Deliver(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// ClassifyStatus maps an HTTP status code to an outcome kind. Timeouts and
// throttling are worth retrying, other client errors are not.
func ClassifyStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return Accepted
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return TransientFailure
	case code >= 400 && code < 500:
		return ClientRejected
	default:
		return TransientFailure
	}
}
