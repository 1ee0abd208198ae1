package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/config"
	"rtk-rover/internal/discovery"
	"rtk-rover/internal/eventloop"
	"rtk-rover/internal/events"
	"rtk-rover/internal/export"
	"rtk-rover/internal/logging"
	"rtk-rover/internal/ntrip"
	"rtk-rover/internal/peripheral"
	"rtk-rover/internal/profile"
	"rtk-rover/internal/serialrx"
	"rtk-rover/internal/sim"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
	"rtk-rover/internal/web"
)

// openBackend returns the configured profile persistence and a func that
// flushes and releases it.
func openBackend(cfg config.ProfilesConfig, log *zerolog.Logger) (profile.Backend, func(), error) {
	var b profile.Backend
	closeFn := func() {}
	switch cfg.Backend {
	case "file":
		b = profile.NewFile(cfg.Path)
	case "sqlite":
		s, err := profile.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open profile database: %w", err)
		}
		b = s
		closeFn = func() { _ = s.Close() }
	default:
		b = profile.NewMemory()
	}
	if !cfg.Async {
		return b, closeFn, nil
	}
	a := profile.NewAsync(b, log)
	// Async closes the wrapped backend itself.
	return a, func() {
		if err := a.Close(); err != nil && log != nil {
			log.Warn().Err(err).Msg("profile writes lost on close")
		}
	}, nil
}

type runtime struct {
	cfg  config.Config
	log  zerolog.Logger
	logs *web.LogBuffer

	loop   *eventloop.Loop
	bus    *events.Bus
	board  *telemetry.Board
	store  *profile.Store
	status *web.Status

	disc *discovery.Controller
	per  *peripheral.Controller
	nt   *ntrip.Controller

	mqtt   *export.MQTTPublisher
	influx *export.PositionRecorder

	// closers run in reverse order once the loop has stopped.
	closers []func()
}

func newRuntime(ctx context.Context, cfg config.Config, root zerolog.Logger, logs *web.LogBuffer) (*runtime, error) {
	rt := &runtime{
		cfg:    cfg,
		log:    root,
		logs:   logs,
		loop:   eventloop.New(),
		bus:    events.NewBus(),
		board:  telemetry.NewBoard(),
		status: web.NewStatus(),
	}

	backend, closeBackend, err := openBackend(cfg.Profiles, logging.Component(root, "profiles"))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeBackend)
	rt.store = profile.NewStore(backend, cfg.Profiles.Key, logging.Component(root, "profiles"))
	rt.store.Load()

	ble, periph, closeRx := rt.receiver()
	rt.closers = append(rt.closers, closeRx)

	caster := sim.NewCaster(sim.CasterConfig{
		MountPoints: cfg.Sim.Caster.MountPoints,
		Username:    cfg.Sim.Caster.Username,
		Password:    cfg.Sim.Caster.Password,
		Delay:       200 * time.Millisecond,
		Log:         logging.Component(root, "caster"),
	})
	rt.closers = append(rt.closers, caster.Close)

	sink := &export.Tee{Board: rt.board}
	if cfg.Influx.Enable {
		rec, err := export.NewInflux(ctx, export.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
			Device: cfg.Influx.Device,
			DeviceFn: func() string {
				return rt.per.Snapshot().DeviceID
			},
			Log: logging.Component(root, "influx"),
		})
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.influx = rec
		rt.closers = append(rt.closers, rec.Close)
		sink.Recorders = append(sink.Recorders, rec)
	}

	if cfg.UDP.Enable {
		fwd, err := export.NewUDPForwarder(cfg.UDP.Dest, logging.Component(root, "udp"))
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("udp forwarder: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = fwd.Close() })
		sink.Recorders = append(sink.Recorders, fwd)
	}

	rt.disc = discovery.New(rt.loop, ble, discovery.Config{
		NameFilter: cfg.Receiver.DeviceFilter,
		Log:        logging.Component(root, "discovery"),
		Bus:        rt.bus,
	})
	rt.per = peripheral.New(rt.loop, ble, periph, peripheral.Config{
		Log:  logging.Component(root, "peripheral"),
		Bus:  rt.bus,
		Sink: sink,
		// Runs on a dropped link only, so a failed connect keeps the list.
		OnReset: func() {
			rt.board.Reset()
			rt.disc.Clear()
		},
	})
	rt.nt = ntrip.New(rt.loop, caster, ntrip.Config{
		Log:      logging.Component(root, "ntrip"),
		Bus:      rt.bus,
		Profiles: rt.store,
	})

	if cfg.MQTT.Enable {
		rt.mqtt = export.NewMQTTPublisher(export.MQTTConfig{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			TopicBase: cfg.MQTT.TopicBase,
			QoS:       byte(cfg.MQTT.QoS),
			Retain:    cfg.MQTT.Retain,
			Log:       logging.Component(root, "mqtt"),
		})
	}

	rt.status.SetStatic(cfg.Receiver.Transport, map[string]bool{
		"mqtt":   cfg.MQTT.Enable,
		"influx": cfg.Influx.Enable,
		"udp":    cfg.UDP.Enable,
	})
	return rt, nil
}

func (rt *runtime) receiver() (transport.BLE, transport.Peripheral, func()) {
	if rt.cfg.Receiver.Transport == "serial" {
		rx := serialrx.New(serialrx.Config{
			Baud:             rt.cfg.Serial.Baud,
			HandshakeTimeout: rt.cfg.Serial.HandshakeTimeout,
			GPSDAddrs:        rt.cfg.Serial.GPSD,
			Log:              logging.Component(rt.log, "serial"),
		})
		return rx, rx, rx.Close
	}
	s := rt.cfg.Sim
	devices := make([]sim.Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		devices = append(devices, sim.Device{ID: d.ID, Name: d.Name})
	}
	rx := sim.NewReceiver(sim.ReceiverConfig{
		Devices:           devices,
		ConnectDelay:      s.ConnectDelay,
		ConfigureDelay:    s.ConfigureDelay,
		FailConfiguration: s.FailConfiguration,
		Interval:          s.Interval,
		Track: sim.Track{
			CenterLatDeg: s.CenterLatDeg,
			CenterLonDeg: s.CenterLonDeg,
			AltM:         s.AltM,
			RadiusM:      s.RadiusM,
			Period:       s.Period,
		},
		BatteryPercent: s.BatteryPercent,
		Log:            logging.Component(rt.log, "sim"),
	})
	return rx, rx, rx.Close
}

// call runs fn on the event loop and returns its error.
func (rt *runtime) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := rt.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (rt *runtime) deps() web.Deps {
	return web.Deps{
		Loop:       rt.loop,
		Discovery:  rt.disc,
		Peripheral: rt.per,
		Ntrip:      rt.nt,
		Profiles:   rt.store,
		Board:      rt.board,
		Bus:        rt.bus,
		Status:     rt.status,
		Logs:       rt.logs,
		Log:        logging.Component(rt.log, "web"),
	}
}

// Run drives everything until ctx is done, then shuts down in order:
// background workers, the event loop, then transports and storage.
func (rt *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() { _ = rt.loop.Run(loopCtx) }()

	var wg sync.WaitGroup
	if rt.mqtt != nil {
		cctx, ccancel := context.WithTimeout(ctx, 10*time.Second)
		err := rt.mqtt.Connect(cctx)
		ccancel()
		if err != nil {
			rt.log.Warn().Err(err).Msg("mqtt export disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rt.mqtt.Run(ctx, rt.bus)
			}()
		}
	}

	webErr := make(chan error, 1)
	if rt.cfg.Web.Enable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.log.Info().Str("listen", rt.cfg.Web.Listen).Msg("web api listening")
			err := web.Serve(ctx, rt.cfg.Web.Listen, web.Handler(rt.deps()))
			if err != nil && ctx.Err() == nil {
				webErr <- err
			}
		}()
	}

	rt.restoreNtrip(ctx)
	if rt.cfg.Receiver.AutoConnect {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.autoConnect(ctx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case werr := <-webErr:
		err = fmt.Errorf("web api: %w", werr)
		rt.log.Error().Err(err).Msg("stopping")
	}
	cancel()

	wg.Wait()
	stopLoop()
	<-rt.loop.Done()
	rt.close()
	return err
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// restoreNtrip loads the caster from config, or else the stored selected
// profile, and connects when configured to.
func (rt *runtime) restoreNtrip(ctx context.Context) {
	c := rt.cfg.Ntrip
	var p profile.Profile
	switch {
	case c.Host != "" && c.MountPoint != "":
		p = profile.Profile{Host: c.Host, Port: c.Port, Username: c.Username, Password: c.Password, MountPoint: c.MountPoint}
	default:
		sel, ok := rt.store.Selected()
		if !ok {
			return
		}
		p = sel
	}
	err := rt.call(ctx, func() error {
		if err := rt.nt.UseProfile(p); err != nil {
			return err
		}
		if c.AutoConnect {
			return rt.nt.Connect(rt.nt.Info())
		}
		return nil
	})
	if err != nil {
		rt.log.Warn().Err(err).Str("profile", p.String()).Msg("ntrip profile not applied")
		return
	}
	rt.log.Info().Str("profile", p.String()).Bool("connect", c.AutoConnect).Msg("ntrip profile applied")
}

// autoConnect scans and connects to the configured receiver, or the first
// one found, giving up after the scan timeout.
func (rt *runtime) autoConnect(ctx context.Context) {
	id, ch := rt.bus.Subscribe(64)
	defer rt.bus.Unsubscribe(id)

	if err := rt.call(ctx, rt.disc.StartScan); err != nil {
		rt.log.Warn().Err(err).Msg("auto connect scan not started")
		return
	}
	want := rt.cfg.Receiver.AutoConnectID
	timer := time.NewTimer(rt.cfg.Receiver.ScanTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = rt.call(ctx, func() error {
				rt.disc.StopScan()
				return nil
			})
			rt.log.Warn().Str("want", want).Dur("timeout", rt.cfg.Receiver.ScanTimeout).Msg("no receiver found")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d, isDevice := ev.Data.(discovery.Device)
			if ev.Kind != events.KindDevice || !isDevice {
				continue
			}
			if want != "" && d.ID != want {
				continue
			}
			err := rt.call(ctx, func() error {
				if err := rt.per.Connect(d.ID); err != nil {
					return err
				}
				rt.disc.StopScan()
				return nil
			})
			if err != nil {
				rt.log.Warn().Err(err).Str("device_id", d.ID).Msg("auto connect failed")
			} else {
				rt.log.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("auto connecting")
			}
			return
		}
	}
}
