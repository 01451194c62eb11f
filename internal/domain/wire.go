package domain

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// WriteJSON writes the wire form of the event. The capture instant travels
// as _local_event_date and redeliveries carry _retry.
func (e Event) WriteJSON(w *jwriter.Writer, retry bool) {
	obj := w.Object()
	obj.Name("event_name").String(e.Name)
	obj.Maybe("visitor_id", e.VisitorID != "").String(e.VisitorID)

	values := obj.Name("values").Object()
	for _, f := range e.Values {
		if f.Key == KeyLocalEventDate || f.Key == KeyRetry {
			continue
		}
		writeValue(values.Name(f.Key), f.Value)
	}
	values.Name(KeyLocalEventDate).Int(int(e.Timestamp.Unix()))
	values.Maybe(KeyRetry, retry).Bool(true)
	values.End()

	obj.End()
}

// WireSize is the size in bytes of the event's wire form, retry marker
// included.
func (e Event) WireSize() int {
	w := jwriter.NewWriter()
	e.WriteJSON(&w, true)
	return len(w.Bytes())
}
