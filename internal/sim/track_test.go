package sim

import (
	"math"
	"testing"
	"time"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
)

func TestTrack_Position_Invariants(t *testing.T) {
	s := Track{
		CenterLatDeg: 45.0,
		CenterLonDeg: -122.0,
		RadiusM:      50,
		Period:       60 * time.Second,
	}

	now := time.Date(2025, 12, 20, 19, 0, 0, 0, time.UTC)
	lat, lon, _ := s.Position(now)

	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		t.Fatalf("lat invalid: %v", lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		t.Fatalf("lon invalid: %v", lon)
	}

	radiusDeg := s.RadiusM / metersPerDegLat
	if math.Abs(lat-s.CenterLatDeg) > radiusDeg*1.01 {
		t.Fatalf("lat offset too large: got %f want <= %f", math.Abs(lat-s.CenterLatDeg), radiusDeg)
	}
	// Lon offset is scaled by cos(lat).
	maxLonDeg := radiusDeg / math.Cos(s.CenterLatDeg*math.Pi/180.0)
	if math.Abs(lon-s.CenterLonDeg) > maxLonDeg*1.01 {
		t.Fatalf("lon offset too large: got %f want <= %f", math.Abs(lon-s.CenterLonDeg), maxLonDeg)
	}
}

func TestTrack_Position_DeterministicForNow(t *testing.T) {
	s := Track{CenterLatDeg: 1, CenterLonDeg: 2, RadiusM: 10, Period: 120 * time.Second}
	now := time.Date(2025, 12, 20, 19, 0, 0, 123, time.UTC)

	lat1, lon1, alt1 := s.Position(now)
	lat2, lon2, alt2 := s.Position(now)
	if lat1 != lat2 || lon1 != lon2 || alt1 != alt2 {
		t.Fatalf("expected deterministic result for same now")
	}
}

func TestTrack_SentencesDecode(t *testing.T) {
	s := Track{CenterLatDeg: 48.1173, CenterLonDeg: 11.5167, AltM: 545.4, RadiusM: 25}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var kinds []telemetry.Kind
	for _, line := range s.Sentences(now, 0) {
		msg, err := nmea.Decode(now, line)
		if err != nil {
			t.Fatalf("Decode(%q): %v", line, err)
		}
		kinds = append(kinds, msg.Kind())
		if gga, ok := msg.(telemetry.Gga); ok {
			if gga.Quality != 4 || gga.Time != "120000.00" {
				t.Fatalf("gga=%+v", gga)
			}
			if math.Abs(gga.CoordinateLatitude-s.CenterLatDeg) > 0.001 {
				t.Fatalf("lat=%v", gga.CoordinateLatitude)
			}
		}
		if txt, ok := msg.(telemetry.Txt); ok && txt.Message != "RTK FIXED" {
			t.Fatalf("txt message=%q", txt.Message)
		}
	}
	want := []telemetry.Kind{telemetry.KindGGA, telemetry.KindGST, telemetry.KindTXT}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}
}
