// Package discovery tracks BLE scans for GNSS receivers.
//
// Controller methods and transport callbacks run on the event loop; only
// Snapshot may be called from other goroutines.
package discovery

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"rtk-rover/internal/eventloop"
	"rtk-rover/internal/events"
	"rtk-rover/internal/transport"
)

var ErrAlreadyScanning = errors.New("scan already in progress")

type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Snapshot struct {
	State     string   `json:"state"`
	Devices   []Device `json:"devices"`
	LastError string   `json:"last_error,omitempty"`
}

type Config struct {
	// NameFilter, when set, ignores devices whose name does not contain it
	// (case-insensitive).
	NameFilter string
	Log        *zerolog.Logger
	Bus        *events.Bus
}

type Controller struct {
	exec eventloop.Executor
	ble  transport.BLE
	cfg  Config
	log  zerolog.Logger

	state     State
	scanID    uint64
	devices   []Device
	index     map[string]struct{}
	lastError string

	snap atomic.Value // Snapshot
}

func New(exec eventloop.Executor, ble transport.BLE, cfg Config) *Controller {
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	c := &Controller{
		exec:  exec,
		ble:   ble,
		cfg:   cfg,
		log:   l,
		index: make(map[string]struct{}),
	}
	c.publish()
	return c
}

func (c *Controller) State() State { return c.state }

// StartScan clears the discovered set and begins a new scan.
func (c *Controller) StartScan() error {
	if c.state == Scanning {
		return ErrAlreadyScanning
	}
	c.scanID++
	id := c.scanID
	c.state = Scanning
	c.devices = nil
	c.index = make(map[string]struct{})
	c.lastError = ""
	c.log.Info().Uint64("scan", id).Msg("scan started")
	c.publish()
	c.cfg.Bus.Publish(events.KindScan, c.Snapshot())

	c.ble.StartScan(
		func(deviceID, name string) {
			c.exec.Post(func() { c.onDevice(id, deviceID, name) })
		},
		func(message string) {
			c.exec.Post(func() { c.onScanError(id, message) })
		},
	)
	return nil
}

// StopScan is a no-op while idle. Devices found so far stay visible.
func (c *Controller) StopScan() {
	if c.state != Scanning {
		return
	}
	c.state = Idle
	c.ble.StopScan()
	c.log.Info().Uint64("scan", c.scanID).Int("devices", len(c.devices)).Msg("scan stopped")
	c.publish()
	c.cfg.Bus.Publish(events.KindScan, c.Snapshot())
}

// Clear drops the discovered set without touching the scan state.
func (c *Controller) Clear() {
	c.devices = nil
	c.index = make(map[string]struct{})
	c.publish()
}

// Lookup returns the discovered device with id.
func (c *Controller) Lookup(id string) (Device, bool) {
	for _, d := range c.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

func (c *Controller) onDevice(scanID uint64, id, name string) {
	if scanID != c.scanID || c.state != Scanning {
		return
	}
	if id == "" {
		return
	}
	if _, seen := c.index[id]; seen {
		return
	}
	if f := strings.TrimSpace(c.cfg.NameFilter); f != "" &&
		!strings.Contains(strings.ToLower(name), strings.ToLower(f)) {
		return
	}
	d := Device{ID: id, Name: name}
	c.index[id] = struct{}{}
	c.devices = append(c.devices, d)
	c.log.Debug().Str("device_id", id).Str("name", name).Msg("device found")
	c.publish()
	c.cfg.Bus.Publish(events.KindDevice, d)
}

func (c *Controller) onScanError(scanID uint64, message string) {
	if scanID != c.scanID || c.state != Scanning {
		return
	}
	c.state = Idle
	c.lastError = message
	c.log.Warn().Str("error", message).Msg("scan failed")
	c.publish()
	c.cfg.Bus.Publish(events.KindScan, c.Snapshot())
}

func (c *Controller) publish() {
	devices := make([]Device, len(c.devices))
	copy(devices, c.devices)
	c.snap.Store(Snapshot{
		State:     c.state.String(),
		Devices:   devices,
		LastError: c.lastError,
	})
}

func (c *Controller) Snapshot() Snapshot {
	v := c.snap.Load()
	if v == nil {
		return Snapshot{State: Idle.String()}
	}
	return v.(Snapshot)
}
