package clickhouse

import (
	"time"

	"github.com/leshachaplin/tracker/internal/domain"
)

type event struct {
	ServerTime time.Time `ch:"server_time"`
	LocalTime  time.Time `ch:"local_time"`
	IP         string    `ch:"ip"`
	AppKey     string    `ch:"app_key"`
	PayloadID  string    `ch:"payload_id"`
	VisitorID  string    `ch:"visitor_id"`
	EventName  string    `ch:"event_name"`
	Retry      bool      `ch:"retry"`
	AppName    string    `ch:"app_name"`
	AppVersion string    `ch:"app_version"`
	SDKVersion string    `ch:"sdk_version"`
	OS         string    `ch:"os"`
	OSVersion  string    `ch:"os_version"`
	Device     string    `ch:"device"`
	// Values keeps the fields as a JSON object in insertion order.
	Values string `ch:"values"`
}

func eventsFromDomain(batch domain.ReceivedBatch) ([]event, error) {
	events := make([]event, len(batch.Events))
	for i, e := range batch.Events {
		values, err := e.Values.MarshalJSON()
		if err != nil {
			return nil, err
		}

		events[i] = event{
			ServerTime: e.ServerTime,
			LocalTime:  e.LocalTime,
			IP:         e.ClientIP,
			AppKey:     e.AppKey,
			PayloadID:  e.PayloadID,
			VisitorID:  e.VisitorID,
			EventName:  e.Name,
			Retry:      e.Retry,
			AppName:    e.App.Name,
			AppVersion: e.App.Version,
			SDKVersion: e.App.SDKVersion,
			OS:         e.App.System.OS,
			OSVersion:  e.App.System.OSVersion,
			Device:     e.App.System.Device,
			Values:     string(values),
		}
	}
	return events, nil
}
