package obd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePollingResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		channel Channel
		want    float64
	}{
		{name: "rpm with spaces", line: "41 0C 1A F8", channel: ChannelRPM, want: 1726},
		{name: "rpm compact", line: "410C1AF8", channel: ChannelRPM, want: 1726},
		{name: "speed", line: "410D32", channel: ChannelSpeed, want: 50},
		{name: "coolant", line: "41 05 7B", channel: ChannelEngineTemp, want: 83},
		{name: "intake air below zero", line: "410F1E", channel: ChannelInletAirTemp, want: -10},
		{name: "boost", line: "410B96", channel: ChannelTurboBoost, want: 0.5},
		{name: "vacuum", line: "410B41", channel: ChannelTurboBoost, want: 0.65 - 1.0},
		{name: "engine load", line: "4104FF", channel: ChannelEngineLoad, want: 100},
		{name: "module voltage", line: "41 42 35 E8", channel: ChannelBatteryVoltage, want: 13.8},
		{name: "fuel pressure", line: "410A64", channel: ChannelFuelPressure, want: 3},
		{name: "fuel used", line: "412F00", channel: ChannelFuelUsed, want: 100},
		{name: "lower case hex", line: "410c1af8", channel: ChannelRPM, want: 1726},
		{name: "tabs and CR", line: "\t41 0D\r32 ", channel: ChannelSpeed, want: 50},
		{name: "extra trailing bytes", line: "410D3200", channel: ChannelSpeed, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParsePollingResponse(tt.line)
			require.NotNil(t, r)
			assert.Len(t, r, 1)
			assert.InDelta(t, tt.want, r[tt.channel], 1e-9)
		})
	}
}

func TestParsePollingResponseRPMExhaustive(t *testing.T) {
	for a := 0; a < 256; a += 7 {
		for b := 0; b < 256; b += 5 {
			line := fmt.Sprintf("41 0C %02X %02X", a, b)
			r := ParsePollingResponse(line)
			require.NotNil(t, r, line)
			assert.Equal(t, float64(a*256+b)/4, r[ChannelRPM], line)
		}
	}
}

func TestParsePollingResponseSpeedExhaustive(t *testing.T) {
	for a := 0; a < 256; a++ {
		r := ParsePollingResponse(fmt.Sprintf("410D%02X", a))
		require.NotNil(t, r)
		assert.Equal(t, float64(a), r[ChannelSpeed])
	}
}

func TestParsePollingResponseIgnoresNoise(t *testing.T) {
	lines := []string{
		"",
		"NO DATA",
		"?",
		"ATZ\rOK",
		"OK",
		"ELM327 v1.5",
		"SEARCHING...",
		"010C",
		"41FF00",
		"41",
		"410C",
		"410C1A",
		"410C1AF",
		"410CZZZZ",
		"430133",
		">",
	}
	for _, l := range lines {
		assert.Nil(t, ParsePollingResponse(l), "%q", l)
	}
}

func TestParsePollingResponseIsStateless(t *testing.T) {
	first := ParsePollingResponse("41 0C 1A F8")
	second := ParsePollingResponse("41 0C 1A F8")
	assert.Equal(t, first, second)
}

func TestParseDTCResponse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{name: "single code padded", line: "43 01 33 00 00 00 00", want: []string{"P0133"}},
		{name: "compact", line: "430420", want: []string{"P0420"}},
		{name: "three codes", line: "43 03 01 04 20 C1 58", want: []string{"P0301", "P0420", "U0158"}},
		{name: "can count byte", line: "43 02 03 01 04 20", want: []string{"P0301", "P0420"}},
		{name: "all systems", line: "43 01 00 41 23 81 55 C1 00", want: []string{"P0100", "C0123", "B0155", "U0100"}},
		{name: "high first digit", line: "43E103", want: []string{"U2103"}},
		{name: "no codes", line: "43 00 00 00 00 00 00", want: []string{}},
		{name: "can no codes", line: "4300", want: []string{}},
		{name: "not a DTC reply", line: "NO DATA", want: []string{}},
		{name: "polling reply", line: "410C1AF8", want: []string{}},
		{name: "garbage hex", line: "43GG", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDTCResponse(tt.line))
		})
	}
}

func TestParseDTCLines(t *testing.T) {
	lines := []string{"43 01 33 00 00 00 00", "SEARCHING...", "43 01 33 04 20 00 00"}
	assert.Equal(t, []string{"P0133", "P0420"}, ParseDTCLines(lines))
	assert.Equal(t, []string{}, ParseDTCLines(nil))
}

func TestDecodeDTC(t *testing.T) {
	assert.Equal(t, "", DecodeDTC(0, 0))
	assert.Equal(t, "P0420", DecodeDTC(0x04, 0x20))
	assert.Equal(t, "C1A11", DecodeDTC(0x5A, 0x11))
	assert.Equal(t, "B3FFF", DecodeDTC(0xBF, 0xFF))
}
