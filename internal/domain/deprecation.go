package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_]`)

var deprecatedFieldNames = map[string]struct{}{
	"_source": {}, "_system": {}, "any": {}, "avg": {}, "cache": {}, "count": {},
	"count_sets": {}, "date": {}, "f_t": {}, "first": {}, "keys": {}, "l_t": {},
	"last": {}, "lrus": {}, "max": {}, "min": {}, "o": {}, "prev": {}, "sets": {},
	"size": {}, "span": {}, "sum": {}, "type": {}, "v": {},
}

// Deprecations lists non-fatal problems with the event. They are logged on
// submit and never cause a rejection.
func Deprecations(e Event) []string {
	var out []string

	if invalidNameChars.MatchString(e.Name) {
		out = append(out, fmt.Sprintf("event name %q contains characters other than [a-z0-9_]", e.Name))
	}
	if strings.HasPrefix(e.Name, "_") {
		out = append(out, fmt.Sprintf("event name %q starts with an underscore", e.Name))
	}

	for _, f := range e.Values {
		if strings.HasPrefix(f.Key, ".") || strings.HasPrefix(f.Key, "$") {
			out = append(out, fmt.Sprintf("field %q starts with %q", f.Key, f.Key[:1]))
		}
		if _, ok := deprecatedFieldNames[f.Key]; ok {
			out = append(out, fmt.Sprintf("field name %q is deprecated", f.Key))
		}
	}

	switch e.Name {
	case EventView:
		if s, _ := e.Values.Get("view_name"); s == "" || s == nil {
			out = append(out, "view event has an empty view_name")
		}
	case EventIdentify:
		if s, _ := e.Values.Get("user_id"); s == "" || s == nil {
			out = append(out, "identify event has an empty user_id")
		}
	}

	return out
}
