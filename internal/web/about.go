package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is set by the binary at startup. Build info wins when it has a
// real module version.
var Version = "dev"

type AboutResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	NowUTC    string `json:"now_utc"`
	GoVersion string `json:"go_version"`
	// Receiver is the transport the rover drives (sim or serial).
	Receiver string `json:"receiver,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

func buildAbout(nowUTC time.Time, st *Status) AboutResponse {
	resp := AboutResponse{
		Service:   "rtk-rover",
		Version:   Version,
		NowUTC:    nowUTC.Format(time.RFC3339),
		GoVersion: runtime.Version(),
	}
	if st != nil {
		resp.Receiver, _ = st.mode.Load().(string)
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		resp.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		}
	}
	return resp
}

func (a *api) about(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildAbout(time.Now().UTC(), a.d.Status))
}
