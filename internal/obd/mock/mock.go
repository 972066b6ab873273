// Package mock emulates an ELM327 adapter behind the obd.Link interface. It
// answers the AT handshake, Mode 01 requests from a simulated engine and
// Mode 03 with the engine's stored codes, fragmenting replies like a BLE
// notification stream.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"obdash/internal/obd"
	"obdash/internal/simulator"
	"obdash/pkg/log"

	"go.uber.org/zap"
)

const (
	DeviceName = "OBDII (emulated)"
	// ChunkSize matches the default BLE ATT payload.
	ChunkSize      = 20
	DefaultLatency = 15 * time.Millisecond
	version        = "ELM327 v1.5"
)

var ErrClosed = errors.New("mock: link closed")

type Options struct {
	Latency   time.Duration
	ChunkSize int
	// Silent lists commands that never get an answer.
	Silent []string
}

// Discoverer always finds one emulated adapter.
type Discoverer struct {
	engine *simulator.Engine
	opts   Options
}

func New(engine *simulator.Engine, opts Options) *Discoverer {
	if opts.Latency <= 0 {
		opts.Latency = DefaultLatency
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	return &Discoverer{engine: engine, opts: opts}
}

func (d *Discoverer) Discover(ctx context.Context) (obd.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &device{engine: d.engine, opts: d.opts}, nil
}

type device struct {
	engine *simulator.Engine
	opts   Options
}

func (d *device) Name() string { return DeviceName }

func (d *device) Dial(ctx context.Context) (obd.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &Link{
		engine: d.engine,
		opts:   d.opts,
		echo:   true,
		queue:  make(chan string, 16),
		closed: make(chan struct{}),
	}
	for _, c := range d.opts.Silent {
		if l.silent == nil {
			l.silent = make(map[string]bool)
		}
		l.silent[strings.ToUpper(c)] = true
	}
	go l.respond()
	return l, nil
}

// Link is one open session with the emulated adapter.
type Link struct {
	engine *simulator.Engine
	opts   Options
	silent map[string]bool

	mu           sync.Mutex
	echo         bool
	handler      func([]byte)
	onDisconnect func()
	queue        chan string
	closed       chan struct{}
	closeOnce    sync.Once
}

func (l *Link) Write(p []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}

	cmd := strings.ToUpper(strings.TrimSpace(string(p)))
	reply := l.answer(cmd)
	if reply == "" {
		return nil
	}

	select {
	case l.queue <- reply:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

func (l *Link) Subscribe(handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	return nil
}

func (l *Link) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = fn
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Drop simulates the adapter going out of range.
func (l *Link) Drop() {
	l.mu.Lock()
	fn := l.onDisconnect
	l.mu.Unlock()

	l.Close()
	if fn != nil {
		fn()
	}
}

// answer builds the full reply, prompt included, for one command.
func (l *Link) answer(cmd string) string {
	if cmd == "" || l.silent[cmd] {
		return ""
	}

	l.mu.Lock()
	echo := l.echo
	switch cmd {
	case obd.CommandReset:
		l.echo = true
	case obd.CommandEchoOff:
		l.echo = false
	}
	l.mu.Unlock()

	var body string
	switch {
	case cmd == obd.CommandReset:
		body = version
	case strings.HasPrefix(cmd, "AT"):
		body = "OK"
	case cmd == obd.CommandReadDTC:
		body = encodeDTCs(l.engine.Codes())
	case strings.HasPrefix(cmd, "01") && len(cmd) == 4:
		body = l.mode01(cmd[2:])
	default:
		body = "?"
	}

	var sb strings.Builder
	if echo {
		sb.WriteString(cmd + obd.CR)
	}
	sb.WriteString(body)
	sb.WriteString(obd.CR + obd.CR + string(obd.Prompt))
	return sb.String()
}

func (l *Link) mode01(code string) string {
	pid, ok := obd.LookupPID(code)
	if !ok {
		return "NO DATA"
	}
	if pid.Channel == obd.ChannelRPM {
		l.engine.Step()
	}
	raw := Encode(pid, l.engine.Value(pid.Channel))

	parts := []string{"41", pid.Code}
	for _, b := range raw {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	return strings.Join(parts, " ")
}

// respond delivers queued replies in order, split into notification sized chunks.
func (l *Link) respond() {
	for {
		select {
		case <-l.closed:
			return
		case reply := <-l.queue:
			select {
			case <-l.closed:
				return
			case <-time.After(l.opts.Latency):
			}
			l.deliver(reply)
		}
	}
}

func (l *Link) deliver(reply string) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		log.Debug("mock reply without subscriber", zap.String("reply", reply))
		return
	}

	for len(reply) > 0 {
		n := min(l.opts.ChunkSize, len(reply))
		h([]byte(reply[:n]))
		reply = reply[n:]
	}
}

// encodeDTCs renders codes the way a legacy OBD adapter does: 43 followed by
// two bytes per code, padded with zeros to a multiple of three codes.
func encodeDTCs(codes []string) string {
	parts := []string{"43"}
	n := 0
	for _, c := range codes {
		a, b, ok := EncodeDTC(c)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%02X", a), fmt.Sprintf("%02X", b))
		n++
	}
	for n == 0 || n%3 != 0 {
		parts = append(parts, "00", "00")
		n++
	}
	return strings.Join(parts, " ")
}

// EncodeDTC is the inverse of obd.DecodeDTC.
func EncodeDTC(code string) (byte, byte, bool) {
	if len(code) != 5 {
		return 0, 0, false
	}
	system := strings.IndexByte("PCBU", code[0])
	if system < 0 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(code[1:], 16, 16)
	if err != nil || n > 0x3FFF {
		return 0, 0, false
	}
	n |= uint64(system) << 14
	return byte(n >> 8), byte(n), true
}

// Encode converts an engineering value back to the raw bytes of a PID.
func Encode(pid obd.PID, v float64) []byte {
	switch pid.Channel {
	case obd.ChannelRPM:
		return word(v * 4)
	case obd.ChannelBatteryVoltage:
		return word(v * 1000)
	case obd.ChannelSpeed:
		return []byte{clampByte(v)}
	case obd.ChannelEngineTemp, obd.ChannelInletAirTemp:
		return []byte{clampByte(v + 40)}
	case obd.ChannelTurboBoost:
		return []byte{clampByte((v + 1.0) * 100)}
	case obd.ChannelEngineLoad:
		return []byte{clampByte(v * 255 / 100)}
	case obd.ChannelFuelPressure:
		return []byte{clampByte(v * 100 / 3)}
	case obd.ChannelFuelUsed:
		return []byte{clampByte((100 - v) * 255 / 100)}
	default:
		return make([]byte, pid.Bytes)
	}
}

func word(v float64) []byte {
	if v < 0 {
		v = 0
	}
	if v > 0xFFFF {
		v = 0xFFFF
	}
	n := uint16(v + 0.5)
	return []byte{byte(n >> 8), byte(n)}
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 0xFF {
		return 0xFF
	}
	return byte(v + 0.5)
}
