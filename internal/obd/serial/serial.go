// Package serial talks to wired or rfcomm bound ELM327 adapters.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"obdash/internal/obd"
	"obdash/pkg/log"

	"github.com/tarm/serial"
	bugserial "go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaud = 38400
	readTimeout = 100 * time.Millisecond
	openRetries = 3
	retryDelay  = 2 * time.Second
	readBuffer  = 256
)

var ErrClosed = errors.New("serial: port closed")

type Config struct {
	// Port is the device path. Empty means pick the first likely candidate.
	Port string
	Baud int
}

// Discoverer resolves the port to use.
type Discoverer struct {
	cfg       Config
	listPorts func() ([]string, error)
	open      func(name string, baud int) (io.ReadWriteCloser, error)
}

func New(cfg Config) *Discoverer {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	return &Discoverer{
		cfg:       cfg,
		listPorts: bugserial.GetPortsList,
		open:      openPort,
	}
}

func (d *Discoverer) Discover(ctx context.Context) (obd.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.Port != "" {
		return &device{d: d, port: d.cfg.Port}, nil
	}

	ports, err := d.listPorts()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	log.Debug("serial ports", zap.Strings("ports", ports))

	port := pickPort(ports, runtime.GOOS)
	if port == "" {
		return nil, obd.ErrNoDevice
	}
	return &device{d: d, port: port}, nil
}

// pickPort prefers Bluetooth rfcomm bindings, then USB serial adapters.
func pickPort(ports []string, goos string) string {
	var prefixes []string
	switch goos {
	case "linux":
		prefixes = []string{"/dev/rfcomm", "/dev/ttyUSB", "/dev/ttyACM"}
	case "darwin":
		prefixes = []string{"/dev/cu.OBD", "/dev/cu.usbserial", "/dev/tty.usbserial", "/dev/cu.SLAB"}
	case "windows":
		prefixes = []string{"COM"}
	}
	for _, prefix := range prefixes {
		for _, p := range ports {
			if strings.HasPrefix(p, prefix) {
				return p
			}
		}
	}
	return ""
}

type device struct {
	d    *Discoverer
	port string
}

func (dev *device) Name() string { return dev.port }

// Dial opens the port, retrying a few times since rfcomm bindings often
// need a moment after pairing.
func (dev *device) Dial(ctx context.Context) (obd.Link, error) {
	var (
		port io.ReadWriteCloser
		err  error
	)
	for i := 0; i < openRetries; i++ {
		port, err = dev.d.open(dev.port, dev.d.cfg.Baud)
		if err == nil {
			break
		}
		log.Warn("failed to open port, retrying", zap.String("port", dev.port), zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("serial: open %s after %d attempts: %w", dev.port, openRetries, err)
	}

	log.Info("port opened", zap.String("port", dev.port), zap.Int("baud", dev.d.cfg.Baud))
	return newLink(port), nil
}

func openPort(name string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Flush(); err != nil {
		log.Warn("failed to flush port", zap.Error(err))
	}
	return p, nil
}

type link struct {
	port io.ReadWriteCloser

	mu           sync.Mutex
	closed       bool
	reading      bool
	onDisconnect func()
	done         chan struct{}
}

func newLink(port io.ReadWriteCloser) *link {
	return &link{port: port, done: make(chan struct{})}
}

func (l *link) Write(p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	n, err := l.port.Write(p)
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("serial: incomplete write: %d/%d bytes", n, len(p))
	}
	return nil
}

// Subscribe starts the read loop. Chunks are delivered from that single goroutine.
func (l *link) Subscribe(handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.reading {
		return errors.New("serial: already subscribed")
	}
	l.reading = true
	go l.readLoop(handler)
	return nil
}

func (l *link) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = fn
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.port.Close()
}

func (l *link) readLoop(handler func([]byte)) {
	defer close(l.done)
	buf := make([]byte, readBuffer)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handler(chunk)
		}
		if err == nil || errors.Is(err, io.EOF) {
			// tarm/serial reports an expired read timeout as EOF.
			if l.isClosed() {
				return
			}
			continue
		}

		l.mu.Lock()
		wasClosed := l.closed
		l.closed = true
		fn := l.onDisconnect
		l.mu.Unlock()
		if wasClosed {
			return
		}
		log.Warn("serial read failed", zap.Error(err))
		l.port.Close()
		if fn != nil {
			fn()
		}
		return
	}
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
