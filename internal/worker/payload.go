package worker

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/leshachaplin/tracker/internal/domain"
	"github.com/leshachaplin/tracker/internal/storage/queue"
)

// encodePayload writes the batch body:
// {"app_info":{...},"events":[{"event_name":...,"values":{...}}]}
func encodePayload(appInfo domain.AppInfo, entries []queue.Entry) ([]byte, error) {
	w := jwriter.NewWriter()

	obj := w.Object()
	if !appInfo.IsZero() {
		appInfo.WriteJSON(obj.Name("app_info"))
	}
	events := obj.Name("events").Array()
	for _, e := range entries {
		e.Event.WriteJSON(&w, e.Attempts > 0)
	}
	events.End()
	obj.End()

	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// batchBudget is the byte budget left for events once the envelope of an
// empty batch is subtracted from maxBytes. A non-positive maxBytes means no
// limit.
func batchBudget(maxBytes int, appInfo domain.AppInfo) (int, error) {
	if maxBytes <= 0 {
		return maxBytes, nil
	}

	envelope, err := encodePayload(appInfo, nil)
	if err != nil {
		return 0, fmt.Errorf("encode payload envelope: %w", err)
	}
	if budget := maxBytes - len(envelope); budget > 0 {
		return budget, nil
	}
	return 1, nil
}
