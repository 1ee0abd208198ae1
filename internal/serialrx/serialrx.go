// Package serialrx drives a GNSS receiver attached over a serial port (or a
// gpsd socket) through the same contracts as a Bluetooth receiver.
//
// Scanning lists the available ports. The configuration handshake completes
// on the first valid NMEA sentence and fails with "timeout" when none
// arrives in time.
package serialrx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
)

type Config struct {
	Baud             int
	HandshakeTimeout time.Duration
	// GPSDAddrs are offered as extra devices (gpsd://host:port).
	GPSDAddrs []string
	Log       *zerolog.Logger
}

// Receiver implements transport.BLE and transport.Peripheral.
type Receiver struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	port   io.ReadWriteCloser
	portID string
	cancel context.CancelFunc
	onConn func(transport.ConnectionState)
	onCfg  func(transport.ConfigurationState, string)
	onTel  func(telemetry.Message)

	wg sync.WaitGroup
}

func New(cfg Config) *Receiver {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	return &Receiver{cfg: cfg, log: l}
}

func (r *Receiver) StartScan(onDevice func(id, name string), onError func(message string)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ports, err := listPortsFn()
		if err != nil && len(r.cfg.GPSDAddrs) == 0 {
			onError(err.Error())
			return
		}
		for _, p := range ports {
			onDevice(p, filepath.Base(p))
		}
		for _, a := range r.cfg.GPSDAddrs {
			onDevice(gpsdPrefix+a, "gpsd "+a)
		}
		if len(ports) == 0 && len(r.cfg.GPSDAddrs) == 0 {
			onError("no serial ports found")
		}
	}()
}

// StopScan is a no-op: enumeration finishes on its own.
func (r *Receiver) StopScan() {}

func (r *Receiver) Connect(id string, onSuccess func(), onError func(string)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p, err := openPortFn(id, r.cfg.Baud)
		if err != nil {
			r.log.Warn().Err(err).Str("device_id", id).Int("baud", r.cfg.Baud).Msg("open failed")
			onError(err.Error())
			return
		}
		r.mu.Lock()
		if r.port != nil {
			_ = r.port.Close()
		}
		r.port = p
		r.portID = id
		r.mu.Unlock()
		r.log.Info().Str("device_id", id).Int("baud", r.cfg.Baud).Msg("port open")
		onSuccess()
	}()
}

// Start begins reading. The first valid sentence completes the handshake.
func (r *Receiver) Start(id string) {
	r.mu.Lock()
	if r.port == nil || r.portID != id {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	port := r.port
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, port)
	}()
}

func (r *Receiver) run(ctx context.Context, port io.Reader) {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(port)
		// NMEA sentences are short, TXT can run longer.
		sc.Buffer(make([]byte, 0, 256), 4096)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	r.emitConfig(transport.ConfigurationInProgress, "")
	timeout := time.NewTimer(r.cfg.HandshakeTimeout)
	defer timeout.Stop()
	configured := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			if !configured {
				r.log.Warn().Dur("timeout", r.cfg.HandshakeTimeout).Msg("no nmea from receiver")
				r.emitConfig(transport.ConfigurationFailed, "timeout")
			}
		case err := <-readErr:
			if ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("read stopped")
				r.drop()
			}
			return
		case line := <-lines:
			line = strings.TrimSpace(line)
			// Some receivers include non-NMEA chatter; filter quickly.
			if !strings.HasPrefix(line, "$") {
				continue
			}
			msg, err := nmea.Decode(time.Now().UTC(), line)
			if err != nil {
				r.log.Debug().Err(err).Msg("sentence rejected")
				continue
			}
			if !configured {
				configured = true
				timeout.Stop()
				r.emitConfig(transport.ConfigurationDone, "")
			}
			r.mu.Lock()
			fn := r.onTel
			r.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
	}
}

func (r *Receiver) emitConfig(st transport.ConfigurationState, message string) {
	r.mu.Lock()
	fn := r.onCfg
	r.mu.Unlock()
	if fn != nil {
		fn(st, message)
	}
}

// drop closes the port and reports the link as gone.
func (r *Receiver) drop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	p := r.port
	r.port = nil
	r.portID = ""
	onConn := r.onConn
	r.mu.Unlock()
	if p == nil {
		return
	}
	_ = p.Close()
	if onConn != nil {
		onConn(transport.ConnectionDisconnected)
	}
}

func (r *Receiver) Stop() {
	r.drop()
}

func (r *Receiver) ObserveConnectionState(fn func(transport.ConnectionState)) {
	r.mu.Lock()
	r.onConn = fn
	r.mu.Unlock()
}

func (r *Receiver) ObserveConfigurationState(fn func(transport.ConfigurationState, string)) {
	r.mu.Lock()
	r.onCfg = fn
	r.mu.Unlock()
}

func (r *Receiver) ObserveTelemetry(fn func(telemetry.Message)) {
	r.mu.Lock()
	r.onTel = fn
	r.mu.Unlock()
}

var errNoQuery = errors.New("not available over a serial link")

// RequestBattery never answers: a wired receiver reports no battery.
func (r *Receiver) RequestBattery(onLevel func(int)) {
	r.log.Debug().Msg("battery level " + errNoQuery.Error())
}

func (r *Receiver) RequestVersion(onVersion func(transport.VersionInfo), onError func(string)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		onError("version query " + errNoQuery.Error())
	}()
}

func (r *Receiver) Close() {
	r.drop()
	r.wg.Wait()
}
