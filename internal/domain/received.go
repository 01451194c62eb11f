package domain

import "time"

// Received is an event as the collector stores it.
type Received struct {
	PayloadID  string
	AppKey     string
	ClientIP   string
	ServerTime time.Time
	// LocalTime is the capture instant reported by the sender.
	LocalTime time.Time
	Retry     bool
	Name      string
	VisitorID string
	Values    Values
	App       AppInfo
}

func (r *Received) EnrichWith(clientIP string, serverTime time.Time) {
	r.ClientIP = clientIP
	r.ServerTime = serverTime
}

type ReceivedBatch struct {
	ID     string
	Events []Received
}
