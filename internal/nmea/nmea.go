// Package nmea decodes NMEA 0183 sentences from GNSS receivers into
// telemetry messages.
//
// Only GGA, GST and TXT are decoded; other well-formed sentences come back as
// telemetry.Unknown so they can still be shown raw.
package nmea

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type Sentence struct {
	// Type is the sentence type with the talker removed (GGA for GNGGA).
	Type   string
	Talker string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
	Raw    string
}

func Parse(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return Sentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return Sentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return Sentence{}, fmt.Errorf("nmea: bad checksum")
	}
	if checksum(payload) != want[0] {
		return Sentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return Sentence{}, fmt.Errorf("nmea: short type")
	}
	// Accept GNxxx/GPxxx, etc; normalize to last 3 chars.
	t := typeField[len(typeField)-3:]
	return Sentence{
		Type:   strings.ToUpper(t),
		Talker: typeField[:len(typeField)-3],
		Fields: parts,
		Raw:    line,
	}, nil
}

// Encode frames payload (without '$') as a full sentence with checksum.
func Encode(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, checksum(payload))
}

func checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

func field(f []string, i int) string {
	if i < 0 || i >= len(f) {
		return ""
	}
	return strings.TrimSpace(f[i])
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// FormatLatLon is the inverse of parseLatLon, used when synthesizing sentences.
func FormatLatLon(deg float64, isLat bool) (value string, hemi string) {
	hemi = "N"
	if !isLat {
		hemi = "E"
	}
	if deg < 0 {
		deg = -deg
		if isLat {
			hemi = "S"
		} else {
			hemi = "W"
		}
	}
	whole := int(deg)
	mins := (deg - float64(whole)) * 60.0
	if isLat {
		return fmt.Sprintf("%02d%010.7f", whole, mins), hemi
	}
	return fmt.Sprintf("%03d%010.7f", whole, mins), hemi
}
