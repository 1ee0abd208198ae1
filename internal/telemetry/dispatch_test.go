package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestRoute_ChannelPerKind(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		channel Channel
		kind    Kind
		raw     bool
	}{
		{name: "GGA", msg: Gga{}, channel: ChannelPosition, kind: KindGGA},
		{name: "GGAPointer", msg: &Gga{}, channel: ChannelPosition, kind: KindGGA},
		{name: "GST", msg: Gst{}, channel: ChannelErrorStatistics, kind: KindGST},
		{name: "TXT", msg: Txt{}, channel: ChannelText, kind: KindTXT},
		{name: "Unknown", msg: Unknown{Raw: "$PXYZ,1"}, channel: ChannelText, kind: KindUnknown, raw: true},
		{name: "Nil", msg: nil, channel: ChannelText, kind: KindUnknown, raw: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Route(tc.msg)
			if r.Channel != tc.channel {
				t.Fatalf("channel=%q want %q", r.Channel, tc.channel)
			}
			if r.Kind != tc.kind {
				t.Fatalf("kind=%q want %q", r.Kind, tc.kind)
			}
			if r.Raw != tc.raw {
				t.Fatalf("raw=%v want %v", r.Raw, tc.raw)
			}
		})
	}
}

func TestRoute_UnknownKeepsRawText(t *testing.T) {
	r := Route(Unknown{Raw: "$PUBX,00*33"})
	if r.Text != "Unknown: $PUBX,00*33" {
		t.Fatalf("text=%q", r.Text)
	}
}

func TestFormatGga_FieldOrderAndPassThrough(t *testing.T) {
	m := Gga{
		Time:                "123519.00",
		Timestamp:           1700000000123,
		LocationLatitude:    "4807.038,N",
		LocationLongitude:   "01131.000,E",
		Quality:             4,
		SatelliteCount:      12,
		Hdop:                0.9,
		ReferenceAltitude:   545.4,
		GeoidSeparation:     46.9,
		CorrectionAge:       1.2,
		CorrectionStationID: "0123",
		CoordinateLatitude:  48.1173,
		CoordinateLongitude: 11.516666666666667,
	}
	want := strings.Join([]string{
		"Time: 123519.00",
		"Timestamp: 1700000000123",
		"Latitude: 4807.038,N",
		"Longitude: 01131.000,E",
		"Quality: 4",
		"Satellite Count: 12",
		"HDOP: 0.9",
		"Reference Altitude: 545.4",
		"Geoid Separation: 46.9",
		"Correction Age: 1.2",
		"Correction Station ID: 0123",
		"Coordinate Latitude: 48.1173",
		"Coordinate Longitude: 11.516666666666667",
	}, "\n")
	if got := FormatGga(m); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestFormatGst_AllFieldsPresent(t *testing.T) {
	got := FormatGst(Gst{Rms: 0.006, AccuracyHorizontal: 0.014})
	labels := []string{
		"Time", "Timestamp", "RMS", "SemiMajor1SigmaError", "SemiMinor1SigmaError",
		"ErrorEllipseOrientation", "Latitude Error", "Longitude Error", "Altitude Error",
		"Accuracy Horizontal", "Accuracy Vertical",
	}
	rows := strings.Split(got, "\n")
	if len(rows) != len(labels) {
		t.Fatalf("rows=%d want %d", len(rows), len(labels))
	}
	for i, l := range labels {
		if !strings.HasPrefix(rows[i], l+": ") {
			t.Fatalf("row %d=%q want label %q", i, rows[i], l)
		}
	}
	if rows[2] != "RMS: 0.006" {
		t.Fatalf("rms row=%q", rows[2])
	}
}

func TestFormatTxt_EmptyMessageStillRendered(t *testing.T) {
	got := FormatTxt(Txt{TotalNumberOfMessage: 1, MessageNumber: 1, TextIdentifier: 2})
	rows := strings.Split(got, "\n")
	if len(rows) != 14 {
		t.Fatalf("rows=%d want 14", len(rows))
	}
	if rows[13] != "Message: " {
		t.Fatalf("last row=%q", rows[13])
	}
}

func TestFtoa_NoExponentNoRounding(t *testing.T) {
	cases := map[float64]string{
		0:          "0",
		1234567.25: "1234567.25",
		0.00001:    "0.00001",
		-122.9:     "-122.9",
	}
	for in, want := range cases {
		if got := ftoa(in); got != want {
			t.Fatalf("ftoa(%v)=%q want %q", in, got, want)
		}
	}
}

func TestBoard_KeepsLatestPerChannelAndResets(t *testing.T) {
	b := NewBoard()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	b.Handle(now, Txt{Message: "first"})
	b.Handle(now, Unknown{Raw: "junk"})
	b.Handle(now, Gga{Quality: 1})

	snap := b.Snapshot()
	if snap.Text != "Unknown: junk" || !snap.TextRaw {
		t.Fatalf("text=%q raw=%v", snap.Text, snap.TextRaw)
	}
	if !strings.Contains(snap.Position, "Quality: 1") {
		t.Fatalf("position=%q", snap.Position)
	}
	if snap.Counts["TXT"] != 1 || snap.Counts["UNKNOWN"] != 1 || snap.Counts["GGA"] != 1 {
		t.Fatalf("counts=%v", snap.Counts)
	}

	b.Reset()
	snap = b.Snapshot()
	if snap.Position != "" || snap.Text != "" || snap.LastUpdateUTC != "" {
		t.Fatalf("expected cleared board, got %+v", snap)
	}
}
