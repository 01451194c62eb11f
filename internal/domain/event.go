package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	KeyLocalEventDate = "_local_event_date"
	KeyRetry          = "_retry"
	KeySystem         = "_system"
	KeySource         = "_source"

	EventView     = "view"
	EventIdentify = "identify"
)

var reservedKeys = map[string]struct{}{
	KeyLocalEventDate: {},
	KeyRetry:          {},
	KeySystem:         {},
	KeySource:         {},
}

// Event is an immutable record of something that happened. Only its queue
// position and attempt metadata change after construction.
type Event struct {
	Name        string
	Values      Values
	VisitorID   string
	Timestamp   time.Time
	LibraryName string
	Retryable   bool
}

// Params collapses the optional inputs of event construction.
type Params struct {
	Values      Values
	VisitorID   string
	LibraryName string
	// NotRetryable events are delivered at most once.
	NotRetryable bool
	// Timestamp overrides the capture instant. Zero means now.
	Timestamp  time.Time
	Completion Completion
}

func NewEvent(name string, params Params) (Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Event{}, &InvalidEventError{Reason: "event name is empty"}
	}

	values, err := normalizeValues(params.Values)
	if err != nil {
		return Event{}, &InvalidEventError{Name: name, Reason: err.Error()}
	}

	if isRestricted(name) {
		for _, f := range values {
			if _, ok := reservedKeys[f.Key]; ok {
				return Event{}, &InvalidEventError{
					Name:   name,
					Reason: fmt.Sprintf("field %q is reserved", f.Key),
				}
			}
		}
	}

	ts := params.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return Event{
		Name:        name,
		Values:      values,
		VisitorID:   params.VisitorID,
		Timestamp:   ts.UTC(),
		LibraryName: params.LibraryName,
		Retryable:   !params.NotRetryable,
	}, nil
}

func NewViewEvent(viewName, title string, params Params) (Event, error) {
	params.Values = params.Values.With("view_name", viewName).With("title", title)
	return NewEvent(EventView, params)
}

func NewIdentifyEvent(userID string, params Params) (Event, error) {
	params.Values = params.Values.With("user_id", userID)
	return NewEvent(EventIdentify, params)
}

// WithVisitorID returns a copy of the event attributed to visitorID.
func (e Event) WithVisitorID(visitorID string) Event {
	e.VisitorID = visitorID
	return e
}

func isRestricted(name string) bool {
	return name == EventView ||
		name == EventIdentify ||
		strings.HasPrefix(name, "native_app_") ||
		strings.HasPrefix(name, "_")
}

func normalizeValues(values Values) (Values, error) {
	if len(values) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(values))
	out := make(Values, 0, len(values))
	for _, f := range values {
		if _, ok := seen[f.Key]; ok {
			return nil, fmt.Errorf("duplicate field %q", f.Key)
		}
		seen[f.Key] = struct{}{}

		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		out = append(out, Field{Key: f.Key, Value: v})
	}

	return out, nil
}

// normalizeValue converts v into one of nil, bool, string, json.Number,
// []any or Values.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		return t, nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case time.Time:
		return json.Number(strconv.FormatInt(t.Unix(), 10)), nil
	case Values:
		return normalizeValues(t)
	case []any:
		out := make([]any, 0, len(t))
		for i, e := range t {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, n)
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, n)
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)

		out := make(Values, 0, len(keys))
		for _, k := range keys {
			n, err := normalizeValue(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out = append(out, Field{Key: k, Value: n})
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem().Interface())
	}

	return nil, fmt.Errorf("unsupported value type %T", v)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}
