package obd

import "fmt"

// Channel names a sensor value carried in a SensorReading.
type Channel string

const (
	ChannelRPM            Channel = "rpm"
	ChannelSpeed          Channel = "speed"
	ChannelEngineTemp     Channel = "engineTemp"
	ChannelInletAirTemp   Channel = "inletAirTemp"
	ChannelTurboBoost     Channel = "turboBoost"
	ChannelEngineLoad     Channel = "engineLoad"
	ChannelBatteryVoltage Channel = "batteryVoltage"
	ChannelFuelPressure   Channel = "fuelPressure"
	ChannelFuelUsed       Channel = "fuelUsed"
)

// Channels lists every channel in display order.
var Channels = []Channel{
	ChannelRPM,
	ChannelSpeed,
	ChannelEngineTemp,
	ChannelInletAirTemp,
	ChannelTurboBoost,
	ChannelEngineLoad,
	ChannelBatteryVoltage,
	ChannelFuelPressure,
	ChannelFuelUsed,
}

// Unit returns the engineering unit of a channel.
func (c Channel) Unit() string {
	switch c {
	case ChannelRPM:
		return "rpm"
	case ChannelSpeed:
		return "km/h"
	case ChannelEngineTemp, ChannelInletAirTemp:
		return "°C"
	case ChannelTurboBoost, ChannelFuelPressure:
		return "bar"
	case ChannelEngineLoad, ChannelFuelUsed:
		return "%"
	case ChannelBatteryVoltage:
		return "V"
	default:
		return ""
	}
}

// SensorReading is a sparse set of channel values. Partial readings are
// merged by the consumer.
type SensorReading map[Channel]float64

type PID struct {
	Mode    string
	Code    string
	Desc    string
	Channel Channel
	// Bytes is the number of data bytes the decoder consumes.
	Bytes  int
	Decode func(data []byte) float64
}

func (p PID) String() string {
	return fmt.Sprintf("%s%s", p.Mode, p.Code)
}

var (
	PIDEngineLoad = PID{Mode: "01", Code: "04", Desc: "Calculated engine load", Channel: ChannelEngineLoad, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }}
	PIDCoolantTemp = PID{Mode: "01", Code: "05", Desc: "Engine Coolant Temperature", Channel: ChannelEngineTemp, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0]) - 40 }}
	PIDFuelPressure = PID{Mode: "01", Code: "0A", Desc: "Fuel pressure (gauge)", Channel: ChannelFuelPressure, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0]) * 3 / 100 }}
	PIDManifoldPressure = PID{Mode: "01", Code: "0B", Desc: "Intake manifold absolute pressure", Channel: ChannelTurboBoost, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0])/100 - 1.0 }}
	PIDEngineRPM = PID{Mode: "01", Code: "0C", Desc: "Engine RPM", Channel: ChannelRPM, Bytes: 2,
		Decode: func(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 4 }}
	PIDVehicleSpeed = PID{Mode: "01", Code: "0D", Desc: "Vehicle Speed", Channel: ChannelSpeed, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0]) }}
	PIDIntakeAirTemp = PID{Mode: "01", Code: "0F", Desc: "Intake air temperature", Channel: ChannelInletAirTemp, Bytes: 1,
		Decode: func(d []byte) float64 { return float64(d[0]) - 40 }}
	PIDFuelLevel = PID{Mode: "01", Code: "2F", Desc: "Fuel tank level input", Channel: ChannelFuelUsed, Bytes: 1,
		Decode: func(d []byte) float64 { return 100 - float64(d[0])*100/255 }}
	PIDModuleVoltage = PID{Mode: "01", Code: "42", Desc: "Control module voltage", Channel: ChannelBatteryVoltage, Bytes: 2,
		Decode: func(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 1000 }}
)

// DefaultPollPIDs is the round-robin order used by the polling loop.
var DefaultPollPIDs = []PID{
	PIDEngineRPM,
	PIDVehicleSpeed,
	PIDCoolantTemp,
	PIDIntakeAirTemp,
	PIDManifoldPressure,
	PIDEngineLoad,
	PIDModuleVoltage,
	PIDFuelPressure,
	PIDFuelLevel,
}

var pidsByCode = func() map[string]PID {
	m := make(map[string]PID, len(DefaultPollPIDs))
	for _, p := range DefaultPollPIDs {
		m[p.Code] = p
	}
	return m
}()

// LookupPID returns the Mode 01 PID for a two digit upper case hex code.
func LookupPID(code string) (PID, bool) {
	p, ok := pidsByCode[code]
	return p, ok
}
