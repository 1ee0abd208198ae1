// Package peripheral runs the session with one connected GNSS receiver:
// link establishment, the configuration handshake and the telemetry stream.
//
// Connection and configuration are separate axes. The configuration axis is
// only advanced while the link is Connected, and a configuration failure
// never tears the link down.
//
// Controller methods and transport callbacks run on the event loop; only
// Snapshot may be called from other goroutines.
package peripheral

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rtk-rover/internal/eventloop"
	"rtk-rover/internal/events"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
)

var (
	ErrNoDevice          = errors.New("device id is required")
	ErrAlreadyConnecting = errors.New("connection already in progress")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrNotConfigurable   = errors.New("configuration has not failed")
)

type ConfigPhase int

const (
	NotConfigured ConfigPhase = iota
	Configuring
	Configured
	ConfigFailed
)

func (p ConfigPhase) String() string {
	switch p {
	case Configuring:
		return "configuring"
	case Configured:
		return "configured"
	case ConfigFailed:
		return "config_failed"
	default:
		return "not_configured"
	}
}

// Sink receives telemetry once the handshake is done.
type Sink interface {
	Handle(nowUTC time.Time, msg telemetry.Message) telemetry.Rendered
}

type Config struct {
	Log  *zerolog.Logger
	Bus  *events.Bus
	Sink Sink
	// OnReset runs when a Disconnected event ends a session. A failed
	// connect does not trigger it.
	OnReset func()
	// Now defaults to time.Now.
	Now func() time.Time
}

type Snapshot struct {
	Connection    string `json:"connection"`
	Configuration string `json:"configuration"`
	DeviceID      string `json:"device_id,omitempty"`
	Session       string `json:"session,omitempty"`

	ConfigMessage string `json:"config_message,omitempty"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	TelemetryActive      bool   `json:"telemetry_active"`
	TelemetryActivations int    `json:"telemetry_activations"`
	TelemetryMessages    uint64 `json:"telemetry_messages"`

	BatteryPercent *int                   `json:"battery_percent,omitempty"`
	Version        *transport.VersionInfo `json:"version,omitempty"`
	VersionError   string                 `json:"version_error,omitempty"`
}

type Controller struct {
	exec   eventloop.Executor
	ble    transport.BLE
	periph transport.Peripheral
	cfg    Config
	log    zerolog.Logger

	session  uuid.UUID
	deviceID string
	conn     transport.ConnectionState
	phase    ConfigPhase

	// cancelled marks a Disconnect issued while still connecting.
	cancelled bool

	configMessage string
	failureKind   string
	failureReason string
	lastError     string

	telemetryActive bool
	activations     int
	messages        uint64

	battery      *int
	version      *transport.VersionInfo
	versionError string

	snap atomic.Value // Snapshot
}

func New(exec eventloop.Executor, ble transport.BLE, periph transport.Peripheral, cfg Config) *Controller {
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Controller{
		exec:   exec,
		ble:    ble,
		periph: periph,
		cfg:    cfg,
		log:    l,
		conn:   transport.ConnectionDisconnected,
	}
	c.publish()
	return c
}

func (c *Controller) Connection() transport.ConnectionState { return c.conn }
func (c *Controller) Phase() ConfigPhase                    { return c.phase }

// Connect opens a session with deviceID. It is only valid while
// disconnected.
func (c *Controller) Connect(deviceID string) error {
	switch c.conn {
	case transport.ConnectionConnecting:
		return ErrAlreadyConnecting
	case transport.ConnectionConnected:
		return ErrAlreadyConnected
	}
	if deviceID == "" {
		return ErrNoDevice
	}

	c.session = uuid.New()
	sid := c.session
	c.deviceID = deviceID
	c.conn = transport.ConnectionConnecting
	c.phase = NotConfigured
	c.cancelled = false
	c.clearSessionData()
	c.lastError = ""
	c.messages = 0

	log := c.log.With().Str("device_id", deviceID).Str("session", sid.String()).Logger()
	log.Info().Msg("connecting")
	c.changed(events.KindConnection)

	c.periph.ObserveConnectionState(func(st transport.ConnectionState) {
		c.exec.Post(func() { c.onConnectionState(sid, st) })
	})
	c.ble.Connect(deviceID,
		func() {
			c.exec.Post(func() { c.onConnected(sid) })
		},
		func(message string) {
			c.exec.Post(func() { c.onConnectFailed(sid, message) })
		},
	)
	return nil
}

// Disconnect asks the receiver to close the link. State only changes when
// the resulting Disconnected event arrives. While connecting, the request is
// remembered and the link is stopped as soon as it comes up.
func (c *Controller) Disconnect() error {
	if c.conn == transport.ConnectionDisconnected || c.session == uuid.Nil {
		return ErrNotConnected
	}
	if c.conn == transport.ConnectionConnecting {
		if !c.cancelled {
			c.cancelled = true
			c.log.Info().Str("device_id", c.deviceID).Msg("disconnect requested while connecting")
		}
		return nil
	}
	c.log.Info().Str("device_id", c.deviceID).Msg("disconnect requested")
	c.periph.Stop()
	return nil
}

// RetryConfiguration restarts the handshake after a failure.
func (c *Controller) RetryConfiguration() error {
	if c.conn != transport.ConnectionConnected {
		return ErrNotConnected
	}
	if c.phase != ConfigFailed {
		return ErrNotConfigurable
	}
	c.phase = NotConfigured
	c.failureKind = ""
	c.failureReason = ""
	c.configMessage = ""
	c.log.Info().Str("device_id", c.deviceID).Msg("retrying configuration")
	c.changed(events.KindConfiguration)
	c.periph.Start(c.deviceID)
	return nil
}

func (c *Controller) RequestBattery() error {
	if c.conn != transport.ConnectionConnected {
		return ErrNotConnected
	}
	sid := c.session
	c.periph.RequestBattery(func(level int) {
		c.exec.Post(func() {
			if sid != c.session {
				return
			}
			c.battery = &level
			c.publish()
			c.cfg.Bus.Publish(events.KindBattery, level)
		})
	})
	return nil
}

func (c *Controller) RequestVersion() error {
	if c.conn != transport.ConnectionConnected {
		return ErrNotConnected
	}
	sid := c.session
	c.periph.RequestVersion(
		func(info transport.VersionInfo) {
			c.exec.Post(func() {
				if sid != c.session {
					return
				}
				c.version = &info
				c.versionError = ""
				c.publish()
				c.cfg.Bus.Publish(events.KindVersion, info)
			})
		},
		func(message string) {
			c.exec.Post(func() {
				if sid != c.session {
					return
				}
				c.versionError = message
				c.publish()
				c.cfg.Bus.Publish(events.KindVersion, map[string]string{"error": message})
			})
		},
	)
	return nil
}

func (c *Controller) onConnected(sid uuid.UUID) {
	if sid != c.session || c.conn != transport.ConnectionConnecting {
		return
	}
	if c.cancelled {
		// No handshake; the Disconnected event from Stop settles state.
		c.log.Info().Str("device_id", c.deviceID).Msg("link up after disconnect request, stopping")
		c.periph.Stop()
		return
	}
	c.conn = transport.ConnectionConnected
	c.phase = NotConfigured
	c.log.Info().Str("device_id", c.deviceID).Msg("connected")
	c.changed(events.KindConnection)

	c.periph.ObserveConfigurationState(func(st transport.ConfigurationState, message string) {
		c.exec.Post(func() { c.onConfiguration(sid, st, message) })
	})
	c.periph.Start(c.deviceID)
}

func (c *Controller) onConnectFailed(sid uuid.UUID, message string) {
	if sid != c.session || c.conn != transport.ConnectionConnecting {
		return
	}
	c.log.Warn().Str("device_id", c.deviceID).Str("error", message).Msg("connect failed")
	c.reset()
	c.lastError = message
	c.changed(events.KindConnection)
}

func (c *Controller) onConnectionState(sid uuid.UUID, st transport.ConnectionState) {
	if sid != c.session {
		return
	}
	if st != transport.ConnectionDisconnected {
		c.log.Debug().Str("state", st.String()).Msg("link state")
		return
	}
	c.log.Info().Str("device_id", c.deviceID).Msg("disconnected")
	c.reset()
	if c.cfg.OnReset != nil {
		c.cfg.OnReset()
	}
	c.changed(events.KindConnection)
}

func (c *Controller) onConfiguration(sid uuid.UUID, st transport.ConfigurationState, message string) {
	if sid != c.session || c.conn != transport.ConnectionConnected {
		return
	}
	// Failed is terminal until RetryConfiguration.
	if c.phase == ConfigFailed {
		c.log.Debug().Str("state", st.String()).Msg("configuration event after failure ignored")
		return
	}
	switch st {
	case transport.ConfigurationInProgress:
		c.phase = Configuring
		c.configMessage = "progress..."
		if message != "" {
			c.configMessage = "progress... " + message
		}
	case transport.ConfigurationDone:
		c.phase = Configured
		c.configMessage = "Done"
		c.startTelemetry(sid)
	case transport.ConfigurationFailed:
		c.fail("failed", "Failed: ", message)
	case transport.ConfigurationPeripheralError:
		c.fail("peripheral_error", "Peripheral error: ", message)
	default:
		return
	}
	c.log.Info().Str("device_id", c.deviceID).Str("state", st.String()).Str("message", message).Msg("configuration")
	c.changed(events.KindConfiguration)
}

func (c *Controller) fail(kind, prefix, reason string) {
	c.stopTelemetry()
	c.phase = ConfigFailed
	c.failureKind = kind
	c.failureReason = reason
	c.configMessage = prefix + reason
}

func (c *Controller) startTelemetry(sid uuid.UUID) {
	if c.telemetryActive {
		return
	}
	c.telemetryActive = true
	c.activations++
	c.periph.ObserveTelemetry(func(msg telemetry.Message) {
		c.exec.Post(func() { c.onTelemetry(sid, msg) })
	})
}

func (c *Controller) stopTelemetry() {
	if !c.telemetryActive {
		return
	}
	c.telemetryActive = false
	c.periph.ObserveTelemetry(nil)
}

func (c *Controller) onTelemetry(sid uuid.UUID, msg telemetry.Message) {
	if sid != c.session || !c.telemetryActive {
		return
	}
	var r telemetry.Rendered
	if c.cfg.Sink != nil {
		r = c.cfg.Sink.Handle(c.cfg.Now().UTC(), msg)
	} else {
		r = telemetry.Route(msg)
	}
	c.messages++
	c.publish()
	c.cfg.Bus.Publish(events.KindTelemetry, r)
}

// reset is the only way back to Disconnected/NotConfigured. It is safe in
// any state, including before a session was fully established.
func (c *Controller) reset() {
	c.stopTelemetry()
	c.periph.ObserveConfigurationState(nil)
	c.periph.ObserveConnectionState(nil)
	if c.conn == transport.ConnectionConnected {
		c.periph.Stop()
	}
	c.session = uuid.Nil
	c.deviceID = ""
	c.conn = transport.ConnectionDisconnected
	c.phase = NotConfigured
	c.cancelled = false
	c.clearSessionData()
}

func (c *Controller) clearSessionData() {
	c.configMessage = ""
	c.failureKind = ""
	c.failureReason = ""
	c.battery = nil
	c.version = nil
	c.versionError = ""
}

func (c *Controller) changed(kind events.Kind) {
	c.publish()
	c.cfg.Bus.Publish(kind, c.Snapshot())
}

func (c *Controller) publish() {
	s := Snapshot{
		Connection:           c.conn.String(),
		Configuration:        c.phase.String(),
		DeviceID:             c.deviceID,
		ConfigMessage:        c.configMessage,
		FailureKind:          c.failureKind,
		FailureReason:        c.failureReason,
		LastError:            c.lastError,
		TelemetryActive:      c.telemetryActive,
		TelemetryActivations: c.activations,
		TelemetryMessages:    c.messages,
		VersionError:         c.versionError,
	}
	if c.session != uuid.Nil {
		s.Session = c.session.String()
	}
	if c.battery != nil {
		v := *c.battery
		s.BatteryPercent = &v
	}
	if c.version != nil {
		v := *c.version
		s.Version = &v
	}
	c.snap.Store(s)
}

func (c *Controller) Snapshot() Snapshot {
	v := c.snap.Load()
	if v == nil {
		return Snapshot{Connection: transport.ConnectionDisconnected.String(), Configuration: NotConfigured.String()}
	}
	return v.(Snapshot)
}
