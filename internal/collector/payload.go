package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leshachaplin/tracker/internal/domain"
)

type wirePayload struct {
	AppInfo domain.AppInfo `json:"app_info"`
	Events  []wireEvent    `json:"events"`
}

type wireEvent struct {
	Name      string        `json:"event_name"`
	VisitorID string        `json:"visitor_id"`
	Values    domain.Values `json:"values"`
}

// ParsePayload decodes a batch body into received events. The delivery
// markers are lifted out of the values.
func ParsePayload(body []byte) ([]domain.Received, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var p wirePayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("payload has no events")
	}

	events := make([]domain.Received, 0, len(p.Events))
	for i, we := range p.Events {
		if strings.TrimSpace(we.Name) == "" {
			return nil, fmt.Errorf("event %d: event_name is empty", i)
		}

		ev := domain.Received{
			Name:      we.Name,
			VisitorID: we.VisitorID,
			App:       p.AppInfo,
		}
		for _, f := range we.Values {
			switch f.Key {
			case domain.KeyLocalEventDate:
				n, ok := f.Value.(json.Number)
				if !ok {
					return nil, fmt.Errorf("event %d: %s is not a number", i, f.Key)
				}
				sec, err := n.Int64()
				if err != nil {
					return nil, fmt.Errorf("event %d: %s: %w", i, f.Key, err)
				}
				ev.LocalTime = time.Unix(sec, 0).UTC()
			case domain.KeyRetry:
				ev.Retry, _ = f.Value.(bool)
			default:
				ev.Values = append(ev.Values, f)
			}
		}
		if ev.LocalTime.IsZero() {
			return nil, fmt.Errorf("event %d: %s is missing", i, domain.KeyLocalEventDate)
		}
		events = append(events, ev)
	}

	return events, nil
}
