package sim

import (
	"context"
	"testing"
	"time"

	"rtk-rover/internal/discovery"
	"rtk-rover/internal/eventloop"
	"rtk-rover/internal/ntrip"
	"rtk-rover/internal/peripheral"
	"rtk-rover/internal/profile"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func call(t *testing.T, loop *eventloop.Loop, fn func() error) {
	t.Helper()
	var err error
	if cerr := loop.Call(context.Background(), func() { err = fn() }); cerr != nil {
		t.Fatalf("Call: %v", cerr)
	}
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func fastReceiver(fail string) *Receiver {
	return NewReceiver(ReceiverConfig{
		Devices:           []Device{{ID: "SIM-1", Name: "Rover1"}, {ID: "SIM-2", Name: "Rover2"}},
		AdvertiseEvery:    5 * time.Millisecond,
		ConnectDelay:      5 * time.Millisecond,
		ConfigureDelay:    10 * time.Millisecond,
		FailConfiguration: fail,
		Interval:          10 * time.Millisecond,
		Track:             Track{CenterLatDeg: 48.1, CenterLonDeg: 11.5, AltM: 500, RadiusM: 10},
		BatteryPercent:    64,
	})
}

func TestReceiver_ScanConnectConfigureStream(t *testing.T) {
	loop := startLoop(t)
	rx := fastReceiver("")
	t.Cleanup(rx.Close)

	board := telemetry.NewBoard()
	disc := discovery.New(loop, rx, discovery.Config{})
	per := peripheral.New(loop, rx, rx, peripheral.Config{Sink: board})

	call(t, loop, disc.StartScan)
	waitFor(t, "two devices", func() bool { return len(disc.Snapshot().Devices) == 2 })
	// Repeated advertisements do not grow the set.
	time.Sleep(30 * time.Millisecond)
	if n := len(disc.Snapshot().Devices); n != 2 {
		t.Fatalf("devices=%d want 2", n)
	}
	call(t, loop, func() error { disc.StopScan(); return nil })

	call(t, loop, func() error { return per.Connect("SIM-1") })
	waitFor(t, "configured", func() bool { return per.Snapshot().Configuration == "configured" })
	waitFor(t, "telemetry", func() bool {
		s := board.Snapshot()
		return s.Position != "" && s.ErrorStatistics != "" && s.Text != ""
	})
	if got := per.Snapshot().TelemetryActivations; got != 1 {
		t.Fatalf("activations=%d want 1", got)
	}

	call(t, loop, per.RequestBattery)
	waitFor(t, "battery", func() bool { return per.Snapshot().BatteryPercent != nil })
	if got := *per.Snapshot().BatteryPercent; got != 64 {
		t.Fatalf("battery=%d", got)
	}

	call(t, loop, per.Disconnect)
	waitFor(t, "disconnected", func() bool { return per.Snapshot().Connection == "disconnected" })
}

func TestReceiver_ConfigurationFailureKeepsLink(t *testing.T) {
	loop := startLoop(t)
	rx := fastReceiver("timeout")
	t.Cleanup(rx.Close)
	per := peripheral.New(loop, rx, rx, peripheral.Config{})

	call(t, loop, func() error { return per.Connect("SIM-2") })
	waitFor(t, "config failed", func() bool { return per.Snapshot().Configuration == "config_failed" })
	snap := per.Snapshot()
	if snap.Connection != "connected" || snap.FailureReason != "timeout" || snap.TelemetryActive {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestReceiver_UnknownDeviceFails(t *testing.T) {
	loop := startLoop(t)
	rx := fastReceiver("")
	t.Cleanup(rx.Close)
	per := peripheral.New(loop, rx, rx, peripheral.Config{})

	call(t, loop, func() error { return per.Connect("NOPE") })
	waitFor(t, "connect error", func() bool { return per.Snapshot().LastError != "" })
	if got := per.Snapshot().LastError; got != "device NOPE not reachable" {
		t.Fatalf("last error=%q", got)
	}
}

func TestCaster_SessionPersistsProfile(t *testing.T) {
	loop := startLoop(t)
	caster := NewCaster(CasterConfig{MountPoints: []string{"M1", "M2"}, Username: "bob", Password: "x", Delay: time.Millisecond})
	t.Cleanup(caster.Close)
	store := profile.NewStore(profile.NewMemory(), "", nil)
	ctl := ntrip.New(loop, caster, ntrip.Config{Profiles: store})

	bad := transport.ConnectionInfo{Host: "sim", Port: 2101, Username: "bob", Password: "wrong"}
	results := make(chan ntrip.FetchResult, 1)
	call(t, loop, func() error {
		return ctl.FetchMountpoints(bad, func(r ntrip.FetchResult) { results <- r })
	})
	if r := <-results; r.Outcome != ntrip.OutcomeFailed || r.Error != "401 Unauthorized" {
		t.Fatalf("result=%+v", r)
	}

	good := bad
	good.Password = "x"
	call(t, loop, func() error {
		return ctl.FetchMountpoints(good, func(r ntrip.FetchResult) { results <- r })
	})
	if r := <-results; r.Outcome != ntrip.OutcomeFound || len(r.MountPoints) != 2 {
		t.Fatalf("result=%+v", r)
	}
	call(t, loop, func() error { return ctl.SelectMountPoint("M2") })
	call(t, loop, func() error { return ctl.Connect(good) })
	waitFor(t, "streaming status", func() bool { return ctl.Snapshot().CasterStatus == "streaming (RTCM3 M2)" })
	if store.Len() != 1 {
		t.Fatalf("profiles=%d want 1", store.Len())
	}

	call(t, loop, ctl.Disconnect)
	waitFor(t, "disconnected", func() bool { return ctl.Snapshot().State == "disconnected" })
	call(t, loop, ctl.Reconnect)
	waitFor(t, "streaming again", func() bool { return ctl.Snapshot().State == "streaming" })
}

// drainUntil runs queued callbacks on m until cond holds.
func drainUntil(t *testing.T, m *eventloop.Manual, what string, cond func() bool) {
	t.Helper()
	waitFor(t, what, func() bool {
		m.Drain()
		return cond()
	})
}

func TestReceiver_DisconnectWhileConnecting(t *testing.T) {
	loop := &eventloop.Manual{}
	rx := fastReceiver("")
	t.Cleanup(rx.Close)
	per := peripheral.New(loop, rx, rx, peripheral.Config{})

	if err := per.Connect("SIM-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := per.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	drainUntil(t, loop, "disconnected", func() bool { return per.Snapshot().Connection == "disconnected" })

	// Give a handshake that should never have started time to show up.
	time.Sleep(40 * time.Millisecond)
	loop.Drain()
	snap := per.Snapshot()
	if snap.Connection != "disconnected" || snap.Configuration != "not_configured" {
		t.Fatalf("connection=%s configuration=%s want disconnected not_configured", snap.Connection, snap.Configuration)
	}
	if snap.TelemetryActivations != 0 {
		t.Fatalf("activations=%d want 0", snap.TelemetryActivations)
	}
}

func TestCaster_DisconnectWhileStarting(t *testing.T) {
	loop := &eventloop.Manual{}
	caster := NewCaster(CasterConfig{MountPoints: []string{"M1", "M2"}, Delay: 2 * time.Millisecond})
	t.Cleanup(caster.Close)
	store := profile.NewStore(profile.NewMemory(), "", nil)
	ctl := ntrip.New(loop, caster, ntrip.Config{Profiles: store})

	info := transport.ConnectionInfo{Host: "sim", Port: 2101}
	if err := ctl.FetchMountpoints(info, nil); err != nil {
		t.Fatalf("FetchMountpoints: %v", err)
	}
	drainUntil(t, loop, "mountpoints", func() bool { return len(ctl.Snapshot().MountPoints) == 2 })
	if err := ctl.SelectMountPoint("M1"); err != nil {
		t.Fatalf("SelectMountPoint: %v", err)
	}
	if err := ctl.Connect(info); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ctl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	drainUntil(t, loop, "caster closed", func() bool { return ctl.Snapshot().CasterState == "disconnected" })

	time.Sleep(20 * time.Millisecond)
	loop.Drain()
	if got := ctl.Snapshot().State; got != "disconnected" {
		t.Fatalf("state=%q want disconnected", got)
	}
	if store.Len() != 0 {
		t.Fatalf("profiles=%d want 0 after a cancelled session", store.Len())
	}
}
