// Package simulator produces plausible engine telemetry when no vehicle is
// connected. The same model backs the emulated ELM327.
package simulator

import (
	"math"
	"math/rand"
	"sync"

	"obdash/internal/obd"
)

type bounds struct {
	min, max float64
}

func (b bounds) clamp(v float64) float64 {
	return math.Max(b.min, math.Min(b.max, v))
}

var limits = map[obd.Channel]bounds{
	obd.ChannelRPM:            {600, 4000},
	obd.ChannelSpeed:          {0, 180},
	obd.ChannelEngineTemp:     {60, 110},
	obd.ChannelInletAirTemp:   {10, 50},
	obd.ChannelTurboBoost:     {-0.7, 1.2},
	obd.ChannelEngineLoad:     {10, 100},
	obd.ChannelBatteryVoltage: {13.4, 14.6},
	obd.ChannelFuelPressure:   {2.5, 4.5},
	obd.ChannelFuelUsed:       {0, 100},
}

// faultCodes are the codes the engine may raise while running.
var faultCodes = []string{"P0133", "P0171", "P0300", "P0420", "P0442", "U0100"}

// Engine is a random walk over every channel. It is safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	values obd.SensorReading
	codes  []string
}

// NewEngine returns an engine idling at operating temperature.
func NewEngine(seed int64) *Engine {
	return &Engine{
		rnd: rand.New(rand.NewSource(seed)),
		values: obd.SensorReading{
			obd.ChannelRPM:            800,
			obd.ChannelSpeed:          0,
			obd.ChannelEngineTemp:     75,
			obd.ChannelInletAirTemp:   25,
			obd.ChannelTurboBoost:     -0.6,
			obd.ChannelEngineLoad:     20,
			obd.ChannelBatteryVoltage: 14.1,
			obd.ChannelFuelPressure:   3.0,
			obd.ChannelFuelUsed:       5,
		},
	}
}

// Step advances the model once and returns a full reading.
func (e *Engine) Step() obd.SensorReading {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.values
	rpm := limits[obd.ChannelRPM].clamp(v[obd.ChannelRPM] + float64(e.rnd.Intn(201)-100))
	v[obd.ChannelRPM] = rpm

	// Load, boost and speed follow rpm with a little noise.
	ratio := (rpm - 600) / (4000 - 600)
	v[obd.ChannelEngineLoad] = limits[obd.ChannelEngineLoad].clamp(15 + ratio*80 + e.noise(3))
	v[obd.ChannelTurboBoost] = limits[obd.ChannelTurboBoost].clamp(-0.6 + ratio*1.6 + e.noise(0.05))
	v[obd.ChannelSpeed] = limits[obd.ChannelSpeed].clamp(v[obd.ChannelSpeed] + (ratio*160-v[obd.ChannelSpeed])*0.1 + e.noise(1))

	v[obd.ChannelEngineTemp] = limits[obd.ChannelEngineTemp].clamp(v[obd.ChannelEngineTemp] + float64(e.rnd.Intn(21)-10)*0.1)
	v[obd.ChannelInletAirTemp] = limits[obd.ChannelInletAirTemp].clamp(v[obd.ChannelInletAirTemp] + e.noise(0.3))
	v[obd.ChannelBatteryVoltage] = limits[obd.ChannelBatteryVoltage].clamp(v[obd.ChannelBatteryVoltage] + e.noise(0.05))
	v[obd.ChannelFuelPressure] = limits[obd.ChannelFuelPressure].clamp(3.0 + ratio + e.noise(0.1))
	v[obd.ChannelFuelUsed] = limits[obd.ChannelFuelUsed].clamp(v[obd.ChannelFuelUsed] + ratio*0.01)

	return e.snapshotLocked()
}

// Churn randomly raises or heals a fault code.
func (e *Engine) Churn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rnd.Float32() < 0.05 {
		e.raiseLocked(faultCodes[e.rnd.Intn(len(faultCodes))])
	}
	if len(e.codes) > 0 && e.rnd.Float32() < 0.02 {
		e.codes = e.codes[1:]
	}
}

// Value returns the current value of one channel without advancing the model.
func (e *Engine) Value(ch obd.Channel) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[ch]
}

// Snapshot returns the current full reading.
func (e *Engine) Snapshot() obd.SensorReading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Codes returns the currently stored fault codes.
func (e *Engine) Codes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.codes...)
}

// Raise stores a fault code if it is not already present.
func (e *Engine) Raise(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raiseLocked(code)
}

// Clear drops every stored fault code.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = nil
}

func (e *Engine) raiseLocked(code string) {
	for _, c := range e.codes {
		if c == code {
			return
		}
	}
	e.codes = append(e.codes, code)
}

func (e *Engine) snapshotLocked() obd.SensorReading {
	out := make(obd.SensorReading, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

func (e *Engine) noise(amplitude float64) float64 {
	return (e.rnd.Float64()*2 - 1) * amplitude
}
