package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/leshachaplin/tracker/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

// record is the persisted form of an event. Values are kept as their JSON
// object encoding so field order survives the round trip.
type record struct {
	Name        string `cbor:"1,keyasint"`
	Values      []byte `cbor:"2,keyasint,omitempty"`
	VisitorID   string `cbor:"3,keyasint,omitempty"`
	Timestamp   int64  `cbor:"4,keyasint"`
	LibraryName string `cbor:"5,keyasint,omitempty"`
	Retryable   bool   `cbor:"6,keyasint"`
}

func encodeRecord(ev domain.Event) ([]byte, error) {
	r := record{
		Name:        ev.Name,
		VisitorID:   ev.VisitorID,
		Timestamp:   ev.Timestamp.UnixNano(),
		LibraryName: ev.LibraryName,
		Retryable:   ev.Retryable,
	}
	if len(ev.Values) > 0 {
		values, err := json.Marshal(ev.Values)
		if err != nil {
			return nil, fmt.Errorf("encode values: %w", err)
		}
		r.Values = values
	}
	return encMode.Marshal(r)
}

func decodeRecord(data []byte) (domain.Event, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return domain.Event{}, err
	}

	ev := domain.Event{
		Name:        r.Name,
		VisitorID:   r.VisitorID,
		Timestamp:   time.Unix(0, r.Timestamp).UTC(),
		LibraryName: r.LibraryName,
		Retryable:   r.Retryable,
	}
	if len(r.Values) > 0 {
		if err := json.Unmarshal(r.Values, &ev.Values); err != nil {
			return domain.Event{}, fmt.Errorf("decode values: %w", err)
		}
	}
	return ev, nil
}
