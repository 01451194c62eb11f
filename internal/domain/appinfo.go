package domain

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

type AppInfo struct {
	Name       string     `mapstructure:"name" json:"name,omitempty"`
	Version    string     `mapstructure:"version" json:"version_name,omitempty"`
	SDKVersion string     `mapstructure:"sdk_version" json:"sdk_version,omitempty"`
	System     SystemInfo `mapstructure:"system" json:"system_info"`
}

type SystemInfo struct {
	OS        string `mapstructure:"os" json:"os,omitempty"`
	OSVersion string `mapstructure:"os_version" json:"os_version,omitempty"`
	Device    string `mapstructure:"device" json:"device,omitempty"`
}

func (a AppInfo) IsZero() bool {
	return a == AppInfo{}
}

func (a AppInfo) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	obj.Maybe("name", a.Name != "").String(a.Name)
	obj.Maybe("version_name", a.Version != "").String(a.Version)
	obj.Maybe("sdk_version", a.SDKVersion != "").String(a.SDKVersion)
	if a.System != (SystemInfo{}) {
		sys := obj.Name("system_info").Object()
		sys.Maybe("os", a.System.OS != "").String(a.System.OS)
		sys.Maybe("os_version", a.System.OSVersion != "").String(a.System.OSVersion)
		sys.Maybe("device", a.System.Device != "").String(a.System.Device)
		sys.End()
	}
	obj.End()
}
