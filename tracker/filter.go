package tracker

import "sync"

// RejectionRule drops events at submit. LibraryName and EventName narrow the
// rule when set; Reject, if set, decides on the remaining matches.
type RejectionRule struct {
	LibraryName string
	EventName   string
	Reject      func(Event) bool
}

func (r RejectionRule) matches(ev Event) bool {
	if r.LibraryName != "" && r.LibraryName != ev.LibraryName {
		return false
	}
	if r.EventName != "" && r.EventName != ev.Name {
		return false
	}
	if r.Reject != nil {
		return r.Reject(ev)
	}
	return r.LibraryName != "" || r.EventName != ""
}

type rejectionFilter struct {
	mu    sync.RWMutex
	rules []RejectionRule
}

func newRejectionFilter() *rejectionFilter {
	return &rejectionFilter{}
}

func (f *rejectionFilter) add(rule RejectionRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
}

func (f *rejectionFilter) rejects(ev Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.rules {
		if r.matches(ev) {
			return true
		}
	}
	return false
}
