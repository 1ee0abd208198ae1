package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestComponent_JSON(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriter(Config{Level: "info", Format: "json"}, &buf)
	l := Component(root, "ntrip")
	l.Debug().Msg("hidden")
	l.Info().Str("mount", "MOUNT1").Msg("session started")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "ntrip" || rec["mount"] != "MOUNT1" || rec["message"] != "session started" {
		t.Fatalf("record=%v", rec)
	}
}

func TestNewWriter_MirrorGetsPlainLines(t *testing.T) {
	var out, mirror bytes.Buffer
	root := NewWriter(Config{Level: "debug", Format: "console", Mirror: &mirror}, &out)
	root.Info().Str("device_id", "SIM-0001").Msg("connected")

	if out.Len() == 0 {
		t.Fatalf("primary output is empty")
	}
	got := mirror.String()
	if !bytes.Contains(mirror.Bytes(), []byte("connected")) || !bytes.Contains(mirror.Bytes(), []byte("device_id=SIM-0001")) {
		t.Fatalf("mirror=%q", got)
	}
	if bytes.Contains(mirror.Bytes(), []byte("\x1b[")) {
		t.Fatalf("mirror should carry no color codes: %q", got)
	}
}
