package sim

import (
	"fmt"
	"math"
	"time"

	"rtk-rover/internal/nmea"
)

const metersPerDegLat = 111320.0

// Track is a deterministic rover path around a fixed center.
type Track struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltM         float64
	RadiusM      float64
	Period       time.Duration
}

// Position returns a figure-eight (Lissajous) path that stays within
// RadiusM of the center, plus a slow altitude wobble.
func (s Track) Position(now time.Time) (latDeg, lonDeg, altM float64) {
	period := s.Period
	if period <= 0 {
		period = 120 * time.Second
	}
	radiusM := s.RadiusM
	if radiusM <= 0 {
		radiusM = 25
	}
	radiusDeg := radiusM / metersPerDegLat

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())

	//	x = cos(2πt)
	//	y = 0.5*sin(4πt)
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = s.CenterLatDeg + radiusDeg*y
	lonDeg = s.CenterLonDeg + (radiusDeg*x)/math.Cos(s.CenterLatDeg*math.Pi/180.0)
	altM = s.AltM + 0.05*math.Sin(w)
	return latDeg, lonDeg, altM
}

// Sentences renders one epoch as GGA, GST and TXT sentences. The fix
// quality cycles through float and fixed RTK with seq.
func (s Track) Sentences(now time.Time, seq int) []string {
	lat, lon, alt := s.Position(now)
	latV, latH := nmea.FormatLatLon(lat, true)
	lonV, lonH := nmea.FormatLatLon(lon, false)
	utc := now.UTC().Format("150405.00")

	quality, sats, hdop := 4, 14, 0.7
	latErr, lonErr, altErr := 0.012, 0.009, 0.021
	if seq%10 >= 8 {
		quality, sats, hdop = 5, 12, 0.9
		latErr, lonErr, altErr = 0.18, 0.14, 0.32
	}
	age := float64(seq%3) + 0.5

	gga := nmea.Encode(fmt.Sprintf("GNGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.3f,M,46.900,M,%.1f,0001",
		utc, latV, latH, lonV, lonH, quality, sats, hdop, alt, age))
	gst := nmea.Encode(fmt.Sprintf("GNGST,%s,0.006,%.3f,%.3f,273.6,%.3f,%.3f,%.3f",
		utc, math.Max(latErr, lonErr), math.Min(latErr, lonErr), latErr, lonErr, altErr))
	txt := nmea.Encode(fmt.Sprintf("GNTXT,01,01,02,TIME=%s;LAT=%.8f;LON=%.8f;SAT=%d;HDOP=%.1f;VDOP=1.1;PDOP=1.3;HACC=%.3f;VACC=%.3f;%s",
		utc, lat, lon, sats, hdop, math.Hypot(latErr, lonErr), altErr, fixLabel(quality)))
	return []string{gga, gst, txt}
}

func fixLabel(quality int) string {
	switch quality {
	case 4:
		return "RTK FIXED"
	case 5:
		return "RTK FLOAT"
	default:
		return "SINGLE"
	}
}
