package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/config"
	"rtk-rover/internal/nmea"
	"rtk-rover/internal/profile"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/web"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDecodeLines_CountsKindsAndInvalid(t *testing.T) {
	in := strings.Join([]string{
		nmea.Encode("GNGGA,123519.00,4807.038,N,01131.000,E,4,12,0.9,545.4,M,46.9,M,1.0,0123"),
		nmea.Encode("GPGST,172814.0,0.006,0.023,0.020,273.6,0.03,0.04,0.05"),
		nmea.Encode("GNTXT,01,01,02,ANTENNA OK"),
		nmea.Encode("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		"$GNGGA,garbage*00",
		"",
		"not nmea",
	}, "\n")

	var rendered int
	s, err := decodeLines(strings.NewReader(in), func(telemetry.Rendered) { rendered++ })
	if err != nil {
		t.Fatalf("decodeLines: %v", err)
	}
	if s.Lines != 6 {
		t.Fatalf("lines=%d want 6", s.Lines)
	}
	if s.Invalid != 2 {
		t.Fatalf("invalid=%d want 2", s.Invalid)
	}
	if rendered != 4 {
		t.Fatalf("rendered=%d want 4", rendered)
	}
	for kind, want := range map[string]int{"GGA": 1, "GST": 1, "TXT": 1, "UNKNOWN": 1} {
		if got := s.KindCounts[telemetry.Kind(kind)]; got != want {
			t.Fatalf("count[%s]=%d want %d", kind, got, want)
		}
	}
}

func TestDecodeCommand_PrintsChannelsAndSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.nmea")
	body := nmea.Encode("GNGGA,123519.00,4807.038,N,01131.000,E,4,12,0.9,545.4,M,46.9,M,1.0,0123") + "\n" +
		nmea.Encode("GNTXT,01,01,02,ANTENNA OK") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := runCLI(t, "decode", path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, want := range []string{"[position]", "[text]", "ANTENNA OK", "lines: 2", "invalid_lines: 0", "  GGA: 1", "  TXT: 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "decode", "--summary", path)
	if err != nil {
		t.Fatalf("decode --summary: %v", err)
	}
	if strings.Contains(out, "[position]") || !strings.Contains(out, "lines: 2") {
		t.Fatalf("summary output:\n%s", out)
	}
}

func TestDecodeCommand_MissingFile(t *testing.T) {
	if _, err := runCLI(t, "decode", filepath.Join(t.TempDir(), "nope.nmea")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func writeProfilesConfig(t *testing.T) (cfgPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "profiles.json")
	cfgPath = filepath.Join(dir, "rover.yaml")
	yml := "profiles:\n  backend: file\n  path: " + storePath + "\n"
	if err := os.WriteFile(cfgPath, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, storePath
}

func TestProfilesCommands_ListSelectRemove(t *testing.T) {
	cfgPath, storePath := writeProfilesConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "profiles", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "no profiles") {
		t.Fatalf("empty list output=%q", out)
	}

	seed := profile.NewStore(profile.NewFile(storePath), "", nil)
	seed.Load()
	a := profile.Profile{Host: "a.example.com", Port: 2101, Username: "u", Password: "p", MountPoint: "M1"}
	b := profile.Profile{Host: "b.example.com", Port: 2102, Username: "u", Password: "p", MountPoint: "M2"}
	for _, p := range []profile.Profile{a, b} {
		if _, err := seed.AddIfNotExists(p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if _, err := runCLI(t, "--config", cfgPath, "profiles", "select", b.String()); err != nil {
		t.Fatalf("select: %v", err)
	}
	out, err = runCLI(t, "--config", cfgPath, "profiles", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "* "+b.String()) || !strings.Contains(out, "  "+a.String()) {
		t.Fatalf("list output:\n%s", out)
	}

	if _, err := runCLI(t, "--config", cfgPath, "profiles", "select", "nope"); err == nil {
		t.Fatalf("expected error selecting unknown token")
	}

	if _, err := runCLI(t, "--config", cfgPath, "profiles", "remove", a.String()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	check := profile.NewStore(profile.NewFile(storePath), "", nil)
	check.Load()
	if check.Len() != 1 {
		t.Fatalf("len=%d want 1", check.Len())
	}
	if sel, ok := check.Selected(); !ok || !sel.Same(b) {
		t.Fatalf("selected=%+v ok=%v want %s", sel, ok, b.String())
	}
}

func TestRuntime_AutoConnectsReceiverAndCaster(t *testing.T) {
	cfg := config.Default()
	cfg.Receiver.AutoConnect = true
	cfg.Sim.ConnectDelay = 5 * time.Millisecond
	cfg.Sim.ConfigureDelay = 5 * time.Millisecond
	cfg.Sim.Interval = 20 * time.Millisecond
	cfg.Ntrip.Host = "caster.example.com"
	cfg.Ntrip.MountPoint = "SIM_RTCM3"
	cfg.Ntrip.AutoConnect = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newRuntime(ctx, cfg, zerolog.Nop(), web.NewLogBuffer(10))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		per := rt.per.Snapshot()
		nt := rt.nt.Snapshot()
		board := rt.board.Snapshot()
		if per.Configuration == "configured" && nt.State == "streaming" && rt.store.Len() == 1 && board.Position != "" {
			if per.DeviceID != "SIM-0001" {
				t.Fatalf("device=%q want SIM-0001", per.DeviceID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: peripheral=%+v ntrip=%+v profiles=%d", per, nt, rt.store.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rt.disc.Snapshot().State; got != "idle" {
		t.Fatalf("scan state=%q want idle after connect", got)
	}
	want := "caster.example.com:2101 [SIM_RTCM3] ()"
	if p, ok := rt.store.Find(want); !ok || p.MountPoint != "SIM_RTCM3" {
		t.Fatalf("stored profile %q missing", want)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestRuntime_FailedConnectKeepsDiscoveredDevices(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.Devices = []config.SimDevice{{ID: "SIM-A", Name: "RTK Rover A"}, {ID: "SIM-B", Name: "RTK Rover B"}}
	cfg.Sim.ConnectDelay = 5 * time.Millisecond
	cfg.Sim.ConfigureDelay = 5 * time.Millisecond
	cfg.Sim.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newRuntime(ctx, cfg, zerolog.Nop(), web.NewLogBuffer(10))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitUntil := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timeout waiting for %s: peripheral=%+v discovery=%+v", what, rt.per.Snapshot(), rt.disc.Snapshot())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	if err := rt.call(ctx, rt.disc.StartScan); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	waitUntil("two devices", func() bool { return len(rt.disc.Snapshot().Devices) == 2 })
	if err := rt.call(ctx, func() error { rt.disc.StopScan(); return nil }); err != nil {
		t.Fatalf("StopScan: %v", err)
	}

	if err := rt.call(ctx, func() error { return rt.per.Connect("ghost") }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil("connect error", func() bool { return rt.per.Snapshot().LastError != "" })
	if got := rt.per.Snapshot().LastError; got != "device ghost not reachable" {
		t.Fatalf("last error=%q want %q", got, "device ghost not reachable")
	}
	if n := len(rt.disc.Snapshot().Devices); n != 2 {
		t.Fatalf("devices=%d want 2 after a failed connect", n)
	}

	// A link that was up and then drops clears the list.
	if err := rt.call(ctx, func() error { return rt.per.Connect("SIM-A") }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil("configured", func() bool { return rt.per.Snapshot().Configuration == "configured" })
	if err := rt.call(ctx, rt.per.Disconnect); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitUntil("disconnected", func() bool { return rt.per.Snapshot().Connection == "disconnected" })
	if n := len(rt.disc.Snapshot().Devices); n != 0 {
		t.Fatalf("devices=%d want 0 after the link dropped", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestRuntime_RestoresSelectedProfile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Profiles.Backend = "sqlite"
	cfg.Profiles.Path = filepath.Join(dir, "profiles.db")

	seedBackend, closeSeed, err := openBackend(cfg.Profiles, nil)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	seed := profile.NewStore(seedBackend, cfg.Profiles.Key, nil)
	seed.Load()
	p := profile.Profile{Host: "caster.example.com", Port: 2101, MountPoint: "SIM_RTCM3"}
	if _, err := seed.AddIfNotExists(p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !seed.Select(p.String()) {
		t.Fatalf("seed select failed")
	}
	closeSeed()

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, zerolog.Nop(), web.NewLogBuffer(10))
	if err != nil {
		cancel()
		t.Fatalf("newRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		nt := rt.nt.Snapshot()
		if nt.Selected == "SIM_RTCM3" && nt.Host == "caster.example.com" {
			if nt.State != "disconnected" {
				t.Fatalf("state=%q want disconnected without auto connect", nt.State)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("profile not restored: %+v", nt)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLoadConfig_DefaultsWithoutPath(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Receiver.Transport != "sim" || cfg.Profiles.Backend != "memory" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Receiver, cfg.Profiles)
	}
}
