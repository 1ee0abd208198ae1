// Package transport defines the capabilities the controllers consume from the
// Bluetooth, receiver and NTRIP layers.
//
// Implementations deliver results through callbacks, possibly from their own
// goroutines. Every Observe* method keeps a single observer per category:
// registering replaces the previous observer and passing nil clears it.
package transport

import (
	"fmt"

	"rtk-rover/internal/telemetry"
)

// ConnectionState is the link state reported by the receiver transport.
type ConnectionState int

const (
	ConnectionUnknown ConnectionState = iota
	ConnectionDisconnected
	ConnectionConnecting
	ConnectionConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConfigurationState is the receiver's configuration handshake progress.
type ConfigurationState int

const (
	ConfigurationInProgress ConfigurationState = iota
	ConfigurationDone
	ConfigurationFailed
	ConfigurationPeripheralError
)

func (s ConfigurationState) String() string {
	switch s {
	case ConfigurationInProgress:
		return "in_progress"
	case ConfigurationDone:
		return "done"
	case ConfigurationFailed:
		return "failed"
	case ConfigurationPeripheralError:
		return "peripheral_error"
	default:
		return fmt.Sprintf("configuration(%d)", int(s))
	}
}

// VersionInfo is the receiver firmware/hardware identification.
type VersionInfo struct {
	Software string `json:"software"`
	Hardware string `json:"hardware"`
}

// BLE scans for receivers and opens the link to one of them.
type BLE interface {
	// StartScan begins emitting advertisements. Entries repeat.
	StartScan(onDevice func(id, name string), onError func(message string))
	StopScan()
	Connect(id string, onSuccess func(), onError func(message string))
}

// Peripheral drives a receiver once its link is up.
type Peripheral interface {
	// Start begins (or restarts) the configuration handshake for id.
	Start(id string)
	Stop()
	ObserveConnectionState(onState func(ConnectionState))
	ObserveConfigurationState(onState func(state ConfigurationState, message string))
	ObserveTelemetry(onMessage func(telemetry.Message))
	RequestBattery(onLevel func(percent int))
	RequestVersion(onVersion func(VersionInfo), onError func(message string))
}

// ConnectionInfo addresses an NTRIP caster.
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (i ConnectionInfo) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// MountPoint is one stream offered by a caster.
type MountPoint struct {
	Name string `json:"name"`
}

// NtripState is the caster session state reported by the NTRIP transport.
type NtripState string

const (
	NtripConnecting   NtripState = "connecting"
	NtripReconnecting NtripState = "reconnecting"
	NtripConnected    NtripState = "connected"
	NtripStreaming    NtripState = "streaming"
	NtripDisconnected NtripState = "disconnected"
	NtripError        NtripState = "error"
)

// Ntrip fetches source tables and runs a correction session.
type Ntrip interface {
	GetMountpoints(info ConnectionInfo, onSuccess func([]MountPoint), onError func(message string))
	StartSession(info ConnectionInfo, mount string, onStarted func(), onError func(message string))
	Reconnect()
	Disconnect()
	ObserveState(onState func(state NtripState, message string))
}
