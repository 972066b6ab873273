package obd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"obdash/pkg/log"

	"go.uber.org/zap"
)

// Adapter drives an ELM327 over a Link. It owns the link lifecycle, the init
// handshake, the round-robin polling loop and the single command slot used
// for one-shot requests such as reading DTCs.
//
// Inbound chunks are reassembled until the '>' prompt and routed by CommMode:
// polling lines go to the parser and the data callback, command lines resolve
// the pending command. Polling and command traffic never interleave because
// the poll loop is stopped before the adapter enters ModeCommand.
type Adapter struct {
	cfg        Config
	discoverer Discoverer

	mu       sync.Mutex
	state    ConnectionState
	mode     CommMode
	link     Link
	device   string
	buf      []byte
	inflight chan struct{}
	pending  *pendingCommand
	pidIndex int
	onStatus StatusFunc
	onData   DataFunc

	pollMu   sync.Mutex
	pollStop chan struct{}
	pollDone chan struct{}
}

type pendingCommand struct {
	lines chan []string
	lost  chan struct{}
}

// New creates an Adapter in the Disconnected state.
func New(discoverer Discoverer, cfg Config) *Adapter {
	return &Adapter{
		cfg:        cfg.withDefaults(),
		discoverer: discoverer,
		state:      StateDisconnected,
		mode:       ModeIdle,
	}
}

// Subscribe registers the status and data sinks. The last registration wins.
func (a *Adapter) Subscribe(status StatusFunc, data DataFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = status
	a.onData = data
}

func (a *Adapter) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Mode() CommMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// DeviceName is the name of the currently connected adapter, if any.
func (a *Adapter) DeviceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}

// Connect discovers an adapter, opens the link, runs the init handshake and
// starts polling. It emits Connecting, then Connected or Error.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.state = StateConnecting
	a.mu.Unlock()
	a.emit(StateConnecting)

	dev, err := a.discoverer.Discover(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("obd: discover: %w", err), nil)
	}
	log.Info("adapter found", zap.String("device", dev.Name()))

	link, err := dev.Dial(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("obd: dial %s: %w", dev.Name(), err), nil)
	}

	a.mu.Lock()
	a.link = link
	a.device = dev.Name()
	a.mode = ModeIdle
	a.buf = nil
	a.inflight = nil
	a.mu.Unlock()

	if err := link.Subscribe(a.handleNotification); err != nil {
		return a.fail(fmt.Errorf("obd: subscribe notifications: %w", err), link)
	}
	link.OnDisconnect(func() { a.handleLinkLost(link) })

	if err := a.initialize(ctx, link); err != nil {
		return a.fail(err, link)
	}

	a.mu.Lock()
	if a.link != link {
		a.mu.Unlock()
		return a.fail(ErrLinkLost, link)
	}
	a.mode = ModePolling
	a.state = StateConnected
	a.pidIndex = 0
	a.startPollingLocked()
	a.mu.Unlock()

	a.emit(StateConnected)
	return nil
}

// Disconnect stops polling, closes the link and emits Disconnected. It is
// safe to call at any time, including when already disconnected.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	link, done := a.teardownLocked()
	a.state = StateDisconnected
	a.mu.Unlock()

	if done != nil {
		<-done
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Warn("failed to close link", zap.Error(err))
		}
	}
	a.emit(StateDisconnected)
}

// FetchDTCs reads stored trouble codes (Mode 03). Polling is paused while
// the command is outstanding and always resumed afterwards, whether the
// command succeeds, fails or times out.
func (a *Adapter) FetchDTCs(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	if a.state != StateConnected || a.link == nil {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	if a.pending != nil {
		a.mu.Unlock()
		return nil, ErrCommandPending
	}
	link := a.link
	cmd := &pendingCommand{
		lines: make(chan []string, 1),
		lost:  make(chan struct{}),
	}
	// The slot is claimed before unlocking so a concurrent caller sees
	// ErrCommandPending. Replies only resolve it once in ModeCommand.
	a.pending = cmd
	done := a.stopPollingLocked()
	a.mu.Unlock()
	defer a.restorePolling(link, cmd)

	if done != nil {
		<-done
	}
	if err := a.settle(ctx, cmd); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.link != link || a.pending != cmd || a.state != StateConnected {
		a.mu.Unlock()
		return nil, ErrLinkLost
	}
	a.mode = ModeCommand
	a.mu.Unlock()

	log.Debug("sending command", zap.String("command", CommandReadDTC))
	if err := link.Write([]byte(CommandReadDTC + CR)); err != nil {
		return nil, fmt.Errorf("obd: write %s: %w", CommandReadDTC, err)
	}

	timer := time.NewTimer(a.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case lines := <-cmd.lines:
		codes := ParseDTCLines(lines)
		log.Debug("DTC response", zap.Strings("lines", lines), zap.Strings("codes", codes))
		return codes, nil
	case <-cmd.lost:
		return nil, ErrLinkLost
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, CommandReadDTC, a.cfg.CommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle waits for the prompt closing the last poll written, so a late
// reply to it cannot be taken for the command's answer. If the prompt never
// comes the partial reply is discarded.
func (a *Adapter) settle(ctx context.Context, cmd *pendingCommand) error {
	a.mu.Lock()
	wait := a.inflight
	a.mu.Unlock()
	if wait == nil {
		return nil
	}

	timer := time.NewTimer(a.cfg.SettleTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-cmd.lost:
		return ErrLinkLost
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		a.mu.Lock()
		if a.inflight == wait {
			a.inflight = nil
			a.buf = nil
		}
		a.mu.Unlock()
		log.Debug("no prompt for last poll, discarding partial reply")
		return nil
	}
}

// restorePolling leaves ModeCommand. It runs deferred so a failed command
// can never strand the adapter outside ModePolling while the link is up.
func (a *Adapter) restorePolling(link Link, cmd *pendingCommand) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != cmd {
		return
	}
	a.pending = nil
	if a.link != link || a.state != StateConnected {
		return
	}
	a.mode = ModePolling
	a.buf = nil
	a.startPollingLocked()
}

func (a *Adapter) initialize(ctx context.Context, link Link) error {
	for _, cmd := range a.cfg.InitCommands {
		log.Debug("init command", zap.String("command", cmd))
		if err := link.Write([]byte(cmd + CR)); err != nil {
			return fmt.Errorf("obd: init command %s: %w", cmd, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.InitDelay):
		}
	}
	return nil
}

// fail tears down whatever Connect managed to open and emits Error.
func (a *Adapter) fail(err error, link Link) error {
	a.mu.Lock()
	var done chan struct{}
	if link != nil && a.link == link {
		_, done = a.teardownLocked()
	}
	a.state = StateError
	a.mu.Unlock()

	if done != nil {
		<-done
	}
	if link != nil {
		if cerr := link.Close(); cerr != nil {
			log.Debug("failed to close link after error", zap.Error(cerr))
		}
	}
	log.Error("adapter connect failed", zap.Error(err))
	a.emit(StateError)
	return err
}

// handleLinkLost runs when the device drops the link on its own.
func (a *Adapter) handleLinkLost(link Link) {
	a.mu.Lock()
	if a.link != link {
		a.mu.Unlock()
		return
	}
	wasConnected := a.state == StateConnected
	a.teardownLocked()
	if wasConnected {
		a.state = StateDisconnected
	}
	a.mu.Unlock()

	// Connect reports the failure itself when the drop happens mid handshake.
	if !wasConnected {
		return
	}
	log.Warn("adapter link lost")
	if err := link.Close(); err != nil {
		log.Debug("failed to close dropped link", zap.Error(err))
	}
	a.emit(StateDisconnected)
}

// teardownLocked clears every handle and rejects a pending command. It
// returns the old link and the done channel of the stopped poll loop.
func (a *Adapter) teardownLocked() (Link, chan struct{}) {
	done := a.stopPollingLocked()
	link := a.link
	a.link = nil
	a.device = ""
	a.mode = ModeIdle
	a.buf = nil
	a.inflight = nil
	if a.pending != nil {
		close(a.pending.lost)
		a.pending = nil
	}
	return link, done
}

func (a *Adapter) emit(s ConnectionState) {
	a.mu.Lock()
	fn := a.onStatus
	a.mu.Unlock()

	log.Info("adapter state changed", zap.Stringer("state", s))
	if fn != nil {
		fn(s)
	}
}

// handleNotification reassembles chunks until the prompt and routes the
// complete line-set according to the current mode.
func (a *Adapter) handleNotification(chunk []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, chunk...)
	end := bytes.LastIndexByte(a.buf, Prompt)
	if end < 0 {
		if len(a.buf) > maxBuffer {
			log.Warn("no prompt in reassembly buffer, discarding", zap.Int("bytes", len(a.buf)))
			a.buf = nil
		}
		a.mu.Unlock()
		return
	}
	if a.inflight != nil {
		close(a.inflight)
		a.inflight = nil
	}
	lines := splitResponse(a.buf[:end+1])
	if rest := a.buf[end+1:]; len(rest) > 0 {
		a.buf = append([]byte(nil), rest...)
	} else {
		a.buf = nil
	}

	var readings []SensorReading
	switch a.mode {
	case ModePolling:
		readings = parsePolling(lines)
	case ModeCommand:
		// A reply to the last poll written before the loop stopped can still
		// land here; it is forwarded as data instead of answering the command.
		if r := parsePolling(lines); len(r) > 0 && len(r) == len(lines) {
			readings = r
			break
		}
		if isAbortedPoll(lines) {
			log.Debug("ignoring aborted poll reply", zap.Strings("lines", lines))
			break
		}
		// The slot stays claimed until restorePolling; later line-sets are dropped.
		if a.pending != nil {
			select {
			case a.pending.lines <- lines:
			default:
				log.Debug("dropping extra command response", zap.Strings("lines", lines))
			}
		}
	default:
		log.Debug("dropping response while idle", zap.Strings("lines", lines))
	}
	onData := a.onData
	a.mu.Unlock()

	if onData == nil {
		return
	}
	for _, r := range readings {
		onData(r)
	}
}

func parsePolling(lines []string) []SensorReading {
	var readings []SensorReading
	for _, l := range lines {
		if r := ParsePollingResponse(l); r != nil {
			readings = append(readings, r)
		}
	}
	return readings
}

// isAbortedPoll reports a bare prompt or the ELM327 "STOPPED" notice, which
// is what an interrupted poll leaves behind.
func isAbortedPoll(lines []string) bool {
	for _, l := range lines {
		if !strings.EqualFold(l, "STOPPED") {
			return false
		}
	}
	return true
}

// splitResponse splits a prompt terminated buffer into trimmed, non-empty lines.
func splitResponse(b []byte) []string {
	parts := strings.FieldsFunc(string(b), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ReplaceAll(p, string(Prompt), ""))
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

func (a *Adapter) startPollingLocked() {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.pollStop, a.pollDone = stop, done
	go a.pollLoop(stop, done)
}

// stopPollingLocked signals the poll loop to exit and returns a channel that
// is closed once it has. Callers must release a.mu before waiting on it.
func (a *Adapter) stopPollingLocked() chan struct{} {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollStop == nil {
		return nil
	}
	close(a.pollStop)
	done := a.pollDone
	a.pollStop, a.pollDone = nil, nil
	return done
}

func (a *Adapter) pollLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			a.pollOnce()
		}
	}
}

// pollOnce writes the next PID of the rotation. Replies are matched by PID
// tag in handleNotification, not by request.
func (a *Adapter) pollOnce() {
	a.mu.Lock()
	if a.mode != ModePolling || a.link == nil || len(a.cfg.PIDs) == 0 {
		a.mu.Unlock()
		return
	}
	pid := a.cfg.PIDs[a.pidIndex]
	a.pidIndex = (a.pidIndex + 1) % len(a.cfg.PIDs)
	link := a.link
	if a.inflight == nil {
		a.inflight = make(chan struct{})
	}
	wait := a.inflight
	a.mu.Unlock()

	if err := link.Write([]byte(pid.String() + CR)); err != nil {
		log.Warn("poll write failed", zap.String("pid", pid.String()), zap.Error(err))
		a.mu.Lock()
		if a.inflight == wait {
			close(wait)
			a.inflight = nil
		}
		a.mu.Unlock()
	}
}
