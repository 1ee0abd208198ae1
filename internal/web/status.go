package web

import (
	"sync/atomic"
	"time"

	"rtk-rover/internal/discovery"
	"rtk-rover/internal/ntrip"
	"rtk-rover/internal/peripheral"
	"rtk-rover/internal/telemetry"
)

// Status carries process-level facts that no controller owns.
type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	exports       atomic.Value // map[string]bool
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.exports.Store(map[string]bool{})
	return s
}

// SetStatic records the receiver transport in use and which exports run.
func (s *Status) SetStatic(mode string, exports map[string]bool) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if exports != nil {
		s.exports.Store(exports)
	}
}

type ProfilesStatus struct {
	Count    int    `json:"count"`
	Selected string `json:"selected,omitempty"`
}

type StatusSnapshot struct {
	Service   string          `json:"service"`
	NowUTC    string          `json:"now_utc"`
	UptimeSec int64           `json:"uptime_sec"`
	Mode      string          `json:"mode"`
	Exports   map[string]bool `json:"exports"`

	Scan       *discovery.Snapshot      `json:"scan,omitempty"`
	Peripheral *peripheral.Snapshot     `json:"peripheral,omitempty"`
	Telemetry  *telemetry.BoardSnapshot `json:"telemetry,omitempty"`
	Ntrip      *ntrip.Snapshot          `json:"ntrip,omitempty"`
	Profiles   *ProfilesStatus          `json:"profiles,omitempty"`
}

// Snapshot reads every controller's published snapshot. It never touches
// the event loop.
func (s *Status) Snapshot(nowUTC time.Time, d Deps) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "rtk-rover",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		Exports:   s.exports.Load().(map[string]bool),
	}
	if d.Discovery != nil {
		v := d.Discovery.Snapshot()
		snap.Scan = &v
	}
	if d.Peripheral != nil {
		v := d.Peripheral.Snapshot()
		snap.Peripheral = &v
	}
	if d.Board != nil {
		v := d.Board.Snapshot()
		snap.Telemetry = &v
	}
	if d.Ntrip != nil {
		v := d.Ntrip.Snapshot()
		snap.Ntrip = &v
	}
	if d.Profiles != nil {
		ps := &ProfilesStatus{Count: d.Profiles.Len()}
		if p, ok := d.Profiles.Selected(); ok {
			ps.Selected = p.String()
		}
		snap.Profiles = ps
	}
	return snap
}
