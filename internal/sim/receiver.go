package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
)

type Device struct {
	ID   string
	Name string
}

type ReceiverConfig struct {
	Devices []Device
	// AdvertiseEvery is how often each device is re-announced while
	// scanning. Real advertisements repeat too.
	AdvertiseEvery time.Duration
	ConnectDelay   time.Duration
	ConfigureDelay time.Duration
	// FailConfiguration, when set, ends every handshake with this reason.
	FailConfiguration string
	Interval          time.Duration
	Track             Track
	BatteryPercent    int
	Version           transport.VersionInfo
	Log               *zerolog.Logger
}

// Receiver simulates a BLE GNSS receiver. It implements transport.BLE and
// transport.Peripheral.
type Receiver struct {
	cfg ReceiverConfig
	log zerolog.Logger

	mu            sync.Mutex
	scanStop      chan struct{}
	linked        string
	onConn        func(transport.ConnectionState)
	onCfg         func(transport.ConfigurationState, string)
	onTel         func(telemetry.Message)
	cancelSession context.CancelFunc

	wg sync.WaitGroup
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.AdvertiseEvery <= 0 {
		cfg.AdvertiseEvery = 250 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Version.Software == "" {
		cfg.Version = transport.VersionInfo{Software: "sim-1.0.0", Hardware: "SIM-RX"}
	}
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	return &Receiver{cfg: cfg, log: l}
}

func (r *Receiver) StartScan(onDevice func(id, name string), onError func(message string)) {
	r.mu.Lock()
	if r.scanStop != nil {
		close(r.scanStop)
	}
	stop := make(chan struct{})
	r.scanStop = stop
	r.mu.Unlock()

	if len(r.cfg.Devices) == 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if onError != nil {
				onError("no receivers in range")
			}
		}()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.cfg.AdvertiseEvery)
		defer t.Stop()
		for {
			for _, d := range r.cfg.Devices {
				select {
				case <-stop:
					return
				default:
				}
				onDevice(d.ID, d.Name)
			}
			select {
			case <-stop:
				return
			case <-t.C:
			}
		}
	}()
}

func (r *Receiver) StopScan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanStop != nil {
		close(r.scanStop)
		r.scanStop = nil
	}
}

func (r *Receiver) known(id string) bool {
	for _, d := range r.cfg.Devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (r *Receiver) Connect(id string, onSuccess func(), onError func(string)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		time.Sleep(r.cfg.ConnectDelay)
		if !r.known(id) {
			onError(fmt.Sprintf("device %s not reachable", id))
			return
		}
		r.mu.Lock()
		r.linked = id
		onConn := r.onConn
		r.mu.Unlock()
		r.log.Debug().Str("device_id", id).Msg("sim link up")
		if onConn != nil {
			onConn(transport.ConnectionConnected)
		}
		onSuccess()
	}()
}

// Start runs the configuration handshake and, when it succeeds, starts the
// NMEA stream.
func (r *Receiver) Start(id string) {
	r.mu.Lock()
	if r.linked != id {
		r.mu.Unlock()
		return
	}
	if r.cancelSession != nil {
		r.cancelSession()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelSession = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.emitConfig(transport.ConfigurationInProgress, "")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ConfigureDelay):
		}
		if reason := r.cfg.FailConfiguration; reason != "" {
			r.emitConfig(transport.ConfigurationFailed, reason)
			return
		}
		r.emitConfig(transport.ConfigurationDone, "")
		r.stream(ctx)
	}()
}

func (r *Receiver) emitConfig(st transport.ConfigurationState, message string) {
	r.mu.Lock()
	fn := r.onCfg
	r.mu.Unlock()
	if fn != nil {
		fn(st, message)
	}
}

func (r *Receiver) stream(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.mu.Lock()
			fn := r.onTel
			r.mu.Unlock()
			if fn == nil {
				continue
			}
			for _, line := range r.cfg.Track.Sentences(now, seq) {
				msg, err := nmea.Decode(now.UTC(), line)
				if err != nil {
					r.log.Warn().Err(err).Msg("sim sentence rejected")
					continue
				}
				fn(msg)
			}
			seq++
		}
	}
}

// Stop drops the link. The connection observer is told asynchronously.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if r.cancelSession != nil {
		r.cancelSession()
		r.cancelSession = nil
	}
	wasLinked := r.linked != ""
	r.linked = ""
	onConn := r.onConn
	r.mu.Unlock()
	if !wasLinked || onConn == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		onConn(transport.ConnectionDisconnected)
	}()
}

// DropLink simulates the receiver going out of range.
func (r *Receiver) DropLink() {
	r.Stop()
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

func (r *Receiver) RequestBattery(onLevel func(int)) {
	level := r.cfg.BatteryPercent
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		onLevel(level)
	}()
}

func (r *Receiver) RequestVersion(onVersion func(transport.VersionInfo), onError func(string)) {
	r.mu.Lock()
	linked := r.linked != ""
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !linked {
			onError("receiver not linked")
			return
		}
		onVersion(r.cfg.Version)
	}()
}

// Close stops every background goroutine.
func (r *Receiver) Close() {
	r.StopScan()
	r.mu.Lock()
	if r.cancelSession != nil {
		r.cancelSession()
		r.cancelSession = nil
	}
	r.linked = ""
	r.mu.Unlock()
	r.wg.Wait()
}
