package obd

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("obd: adapter not connected")
	ErrAlreadyConnected = errors.New("obd: adapter already connected or connecting")
	ErrCommandTimeout   = errors.New("obd: command timed out")
	ErrLinkLost         = errors.New("obd: link lost")
	ErrCommandPending   = errors.New("obd: another command is already pending")
	ErrNoDevice         = errors.New("obd: no adapter found")
)

// ConnectionState is the externally visible link state of an Adapter.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets states travel as plain strings in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	for c := StateDisconnected; c <= StateError; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("obd: unknown connection state %q", b)
}

// CommMode decides where inbound notification data is routed.
type CommMode int

const (
	// ModeIdle is active until the init handshake completes. Inbound lines are dropped.
	ModeIdle CommMode = iota
	// ModePolling feeds every line to the polling parser.
	ModePolling
	// ModeCommand hands the next complete line-set to the single pending command.
	ModeCommand
)

func (m CommMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePolling:
		return "polling"
	case ModeCommand:
		return "command"
	default:
		return "unknown"
	}
}

// StatusFunc receives connection state transitions.
type StatusFunc func(ConnectionState)

// DataFunc receives partial sensor readings.
type DataFunc func(SensorReading)

// DTCSource is anything able to read stored trouble codes from the vehicle.
type DTCSource interface {
	FetchDTCs(ctx context.Context) ([]string, error)
}
