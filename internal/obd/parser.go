package obd

import (
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	modeCurrentDataResponse = "41"
	modeStoredDTCResponse   = "43"
)

// ParsePollingResponse decodes a Mode 01 reply such as "41 0C 1A F8".
// Anything else (echoes, "NO DATA", "?", unknown PIDs) returns nil. Live
// streams are full of such lines, so this never reports an error.
func ParsePollingResponse(line string) SensorReading {
	s := normalize(line)
	if len(s) < 4 || !strings.HasPrefix(s, modeCurrentDataResponse) {
		return nil
	}

	pid, ok := LookupPID(s[2:4])
	if !ok {
		return nil
	}

	data, ok := decodeHex(s[4:])
	if !ok || len(data) < pid.Bytes {
		return nil
	}

	return SensorReading{pid.Channel: pid.Decode(data)}
}

// ParseDTCResponse decodes a Mode 03 reply into DTC strings like "P0420".
//
// Non-CAN adapters answer with a fixed six byte payload ("43 01 33 00 00 00 00"),
// CAN adapters prepend a count byte ("43 01 01 33"). An odd payload length
// therefore means the first byte is a count and is dropped.
func ParseDTCResponse(line string) []string {
	s := normalize(line)
	if !strings.HasPrefix(s, modeStoredDTCResponse) {
		return []string{}
	}

	data, ok := decodeHex(s[2:])
	if !ok {
		return []string{}
	}
	if len(data)%2 == 1 {
		data = data[1:]
	}

	codes := make([]string, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if code := DecodeDTC(data[i], data[i+1]); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// ParseDTCLines parses every line of a (possibly multi ECU) Mode 03 answer
// and returns the distinct codes in the order they were first seen.
func ParseDTCLines(lines []string) []string {
	seen := make(map[string]struct{})
	codes := []string{}
	for _, l := range lines {
		for _, c := range ParseDTCResponse(l) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			codes = append(codes, c)
		}
	}
	return codes
}

// How to read DTC codes (SAE J2012)
//
//	A7 A6   system      00=P 01=C 10=B 11=U
//	A5 A4   1st digit   0..3
//	A3..A0  2nd digit   0..F
//	B7..B4  3rd digit   0..F
//	B3..B0  4th digit   0..F
//
// Example: E1 03 -> 1110 0001 0000 0011 -> U2103
//
// DecodeDTC returns "" for the 00 00 padding pair.
func DecodeDTC(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}

	const hexDigits = "0123456789ABCDEF"
	systems := [4]byte{'P', 'C', 'B', 'U'}

	code := make([]byte, 5)
	code[0] = systems[(a>>6)&0x03]
	code[1] = hexDigits[(a>>4)&0x03]
	code[2] = hexDigits[a&0x0F]
	code[3] = hexDigits[(b>>4)&0x0F]
	code[4] = hexDigits[b&0x0F]
	return string(code)
}

// normalize strips all whitespace and upper cases the line.
func normalize(line string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, line))
}

func decodeHex(s string) ([]byte, bool) {
	if len(s)%2 != 0 {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
