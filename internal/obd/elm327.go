package obd

import "time"

const (
	CommandReset           = "ATZ"
	CommandEchoOff         = "ATE0"
	CommandLineFeedsOff    = "ATL0"
	CommandSetProtocolAuto = "ATSP0"
	CommandReadDTC         = "03"

	CR = "\r"
	// Prompt terminates every logical ELM327 response.
	Prompt = '>'
)

const (
	DefaultInitDelay      = 150 * time.Millisecond
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultCommandTimeout = 5 * time.Second
	DefaultSettleTimeout  = 300 * time.Millisecond

	// maxBuffer bounds the reassembly buffer when no prompt arrives.
	maxBuffer = 4096
)

// DefaultInitCommands is sent in order on every fresh connection.
var DefaultInitCommands = []string{
	CommandReset,
	CommandEchoOff,
	CommandLineFeedsOff,
	CommandSetProtocolAuto,
}

// Config tunes an Adapter. Zero values fall back to the defaults above.
type Config struct {
	InitCommands   []string
	InitDelay      time.Duration
	PollInterval   time.Duration
	CommandTimeout time.Duration
	// SettleTimeout bounds the wait for the last poll's prompt before a
	// command is written.
	SettleTimeout  time.Duration
	PIDs           []PID
}

func (c Config) withDefaults() Config {
	if len(c.InitCommands) == 0 {
		c.InitCommands = DefaultInitCommands
	}
	if c.InitDelay <= 0 {
		c.InitDelay = DefaultInitDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if len(c.PIDs) == 0 {
		c.PIDs = DefaultPollPIDs
	}
	return c
}
