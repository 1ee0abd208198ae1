package nmea

import (
	"math"
	"strings"
	"time"

	"rtk-rover/internal/telemetry"
)

// Decode turns one line into a telemetry message.
//
// Lines that fail framing or checksum validation return an error and no
// message. Valid sentences of other types return telemetry.Unknown.
func Decode(nowUTC time.Time, line string) (telemetry.Message, error) {
	s, err := Parse(line)
	if err != nil {
		return nil, err
	}
	ts := nowUTC.UnixMilli()
	switch s.Type {
	case "GGA":
		return decodeGGA(ts, s.Fields), nil
	case "GST":
		return decodeGST(ts, s.Fields), nil
	case "TXT":
		return decodeTXT(ts, s.Fields), nil
	default:
		return telemetry.Unknown{Raw: s.Raw}, nil
	}
}

// GGA: Global Positioning System Fix Data
// Fields:
//
//	1: time
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality
//	7: satellites in use
//	8: HDOP
//	9,10: altitude above MSL, M
//	11,12: geoid separation, M
//	13: age of differential corrections (s)
//	14: differential reference station ID
func decodeGGA(ts int64, f []string) telemetry.Gga {
	m := telemetry.Gga{
		Time:                field(f, 1),
		Timestamp:           ts,
		CorrectionStationID: field(f, 14),
	}
	if v := field(f, 2); v != "" {
		m.LocationLatitude = v + "," + field(f, 3)
	}
	if v := field(f, 4); v != "" {
		m.LocationLongitude = v + "," + field(f, 5)
	}
	m.Quality, _ = parseInt(field(f, 6))
	m.SatelliteCount, _ = parseInt(field(f, 7))
	m.Hdop, _ = parseFloat(field(f, 8))
	m.ReferenceAltitude, _ = parseFloat(field(f, 9))
	m.GeoidSeparation, _ = parseFloat(field(f, 11))
	m.CorrectionAge, _ = parseFloat(field(f, 13))
	m.CoordinateLatitude, _ = parseLatLon(field(f, 2), field(f, 3))
	m.CoordinateLongitude, _ = parseLatLon(field(f, 4), field(f, 5))
	return m
}

// GST: GNSS Pseudorange Error Statistics
// Fields:
//
//	1: time
//	2: RMS of standard deviation of range inputs
//	3: semi-major axis 1-sigma error (m)
//	4: semi-minor axis 1-sigma error (m)
//	5: orientation of semi-major axis (deg from true north)
//	6: latitude 1-sigma error (m)
//	7: longitude 1-sigma error (m)
//	8: altitude 1-sigma error (m)
func decodeGST(ts int64, f []string) telemetry.Gst {
	m := telemetry.Gst{Time: field(f, 1), Timestamp: ts}
	m.Rms, _ = parseFloat(field(f, 2))
	m.SemiMajor1SigmaError, _ = parseFloat(field(f, 3))
	m.SemiMinor1SigmaError, _ = parseFloat(field(f, 4))
	m.ErrorEllipseOrientation, _ = parseFloat(field(f, 5))
	m.LatitudeError, _ = parseFloat(field(f, 6))
	m.LongitudeError, _ = parseFloat(field(f, 7))
	m.AltitudeError, _ = parseFloat(field(f, 8))
	m.AccuracyHorizontal = math.Hypot(m.LatitudeError, m.LongitudeError)
	m.AccuracyVertical = m.AltitudeError
	return m
}

// TXT: Text Transmission
// Fields:
//
//	1: total number of sentences
//	2: sentence number
//	3: text identifier
//	4: text
//
// The receiver appends its solution summary to the text as
// KEY=value pairs separated by ';' (TIME, LAT, LON, SAT, HDOP, VDOP, PDOP,
// HACC, VACC). Anything else is kept as the message.
func decodeTXT(ts int64, f []string) telemetry.Txt {
	m := telemetry.Txt{Timestamp: ts}
	m.TotalNumberOfMessage, _ = parseInt(field(f, 1))
	m.MessageNumber, _ = parseInt(field(f, 2))
	m.TextIdentifier, _ = parseInt(field(f, 3))

	// Text may itself contain commas.
	text := ""
	if len(f) > 4 {
		text = strings.Join(f[4:], ",")
	}

	var rest []string
	for _, part := range strings.Split(text, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			if strings.TrimSpace(part) != "" {
				rest = append(rest, part)
			}
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "TIME":
			m.Time = v
		case "LAT":
			m.CoordinateLatitude, _ = parseFloat(v)
		case "LON":
			m.CoordinateLongitude, _ = parseFloat(v)
		case "SAT":
			m.SatelliteCount, _ = parseInt(v)
		case "HDOP":
			m.Hdop, _ = parseFloat(v)
		case "VDOP":
			m.Vdop, _ = parseFloat(v)
		case "PDOP":
			m.Pdop, _ = parseFloat(v)
		case "HACC":
			m.AccuracyHorizontal, _ = parseFloat(v)
		case "VACC":
			m.AccuracyVertical, _ = parseFloat(v)
		default:
			rest = append(rest, part)
		}
	}
	m.Message = strings.TrimSpace(strings.Join(rest, ";"))
	return m
}
