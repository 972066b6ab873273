// Package ble connects to ELM327 clones exposing the usual FFF0 UART-over-GATT
// service: one characteristic takes commands, another notifies replies.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"obdash/internal/obd"
	"obdash/pkg/log"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const (
	DefaultService     = "fff0"
	DefaultNotify      = "fff1"
	DefaultWrite       = "fff2"
	DefaultScanTimeout = 10 * time.Second

	// maxWrite is the ATT payload left with the default 23 byte MTU.
	maxWrite = 20
)

var (
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrClosed                 = errors.New("ble: link closed")
)

type Config struct {
	// Name filters advertisements by local name, case insensitive substring.
	// Empty accepts any device advertising Service.
	Name        string
	Service     string
	Notify      string
	Write       string
	ScanTimeout time.Duration
}

type uuids struct {
	service, notify, write bluetooth.UUID
}

// Discoverer scans for a matching adapter on the default HCI controller.
type Discoverer struct {
	cfg     Config
	uuids   uuids
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	linksMu sync.Mutex
	links   map[string]*link
}

func New(cfg Config) (*Discoverer, error) {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Notify == "" {
		cfg.Notify = DefaultNotify
	}
	if cfg.Write == "" {
		cfg.Write = DefaultWrite
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}

	var u uuids
	var err error
	if u.service, err = ParseUUID(cfg.Service); err != nil {
		return nil, err
	}
	if u.notify, err = ParseUUID(cfg.Notify); err != nil {
		return nil, err
	}
	if u.write, err = ParseUUID(cfg.Write); err != nil {
		return nil, err
	}

	return &Discoverer{
		cfg:     cfg,
		uuids:   u,
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*link),
	}, nil
}

// ParseUUID accepts both 16 bit short forms ("fff0") and full 128 bit UUIDs.
func ParseUUID(s string) (bluetooth.UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("ble: invalid uuid %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: invalid uuid %q: %w", s, err)
	}
	return u, nil
}

// matches applies the name and service filters to one advertisement.
func matches(filter, localName string, advertisesService bool) bool {
	if filter == "" {
		return advertisesService
	}
	return strings.Contains(strings.ToLower(localName), strings.ToLower(filter))
}

func (d *Discoverer) enable() error {
	d.enableOnce.Do(func() {
		d.adapter.SetConnectHandler(d.handleConnect)
		d.enableErr = d.adapter.Enable()
	})
	return d.enableErr
}

// Discover scans until a matching advertisement is seen, the scan timeout
// elapses or ctx is cancelled.
func (d *Discoverer) Discover(ctx context.Context) (obd.Device, error) {
	if err := d.enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	log.Info("scanning for OBD adapter", zap.String("name", d.cfg.Name), zap.String("service", d.uuids.service.String()))
	go func() {
		scanErr <- d.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !matches(d.cfg.Name, r.LocalName(), r.HasServiceUUID(d.uuids.service)) {
				return
			}
			select {
			case found <- r:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		<-scanErr
		log.Info("found OBD adapter", zap.String("name", r.LocalName()), zap.String("address", r.Address.String()), zap.Int16("rssi", r.RSSI))
		return &device{d: d, result: r}, nil
	case err := <-scanErr:
		if err == nil {
			err = obd.ErrNoDevice
		}
		return nil, fmt.Errorf("ble: scan: %w", err)
	case <-ctx.Done():
		if err := d.adapter.StopScan(); err != nil {
			log.Debug("failed to stop scan", zap.Error(err))
		}
		<-scanErr
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, obd.ErrNoDevice
		}
		return nil, ctx.Err()
	}
}

func (d *Discoverer) handleConnect(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := dev.Address.String()
	d.linksMu.Lock()
	l := d.links[addr]
	delete(d.links, addr)
	d.linksMu.Unlock()

	if l != nil {
		log.Warn("adapter disconnected", zap.String("address", addr))
		l.dropped()
	}
}

type device struct {
	d      *Discoverer
	result bluetooth.ScanResult
}

func (dev *device) Name() string {
	if name := dev.result.LocalName(); name != "" {
		return name
	}
	return dev.result.Address.String()
}

// Dial connects, resolves the service and picks the two characteristics.
// Any failure disconnects again so no half open link is left behind.
func (dev *device) Dial(ctx context.Context) (obd.Link, error) {
	d := dev.d
	conn, err := d.adapter.Connect(dev.result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", dev.result.Address.String(), err)
	}

	l, err := d.resolve(conn)
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			log.Debug("failed to disconnect after resolve error", zap.Error(derr))
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		l.Close()
		return nil, err
	}

	d.linksMu.Lock()
	d.links[dev.result.Address.String()] = l
	d.linksMu.Unlock()
	return l, nil
}

func (d *Discoverer) resolve(conn bluetooth.Device) (*link, error) {
	services, err := conn.DiscoverServices([]bluetooth.UUID{d.uuids.service})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceNotFound, d.uuids.service.String(), err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, d.uuids.service.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{d.uuids.notify, d.uuids.write})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	l := &link{conn: conn}
	var haveNotify, haveWrite bool
	for _, c := range chars {
		switch c.UUID() {
		case d.uuids.notify:
			l.notify, haveNotify = c, true
		case d.uuids.write:
			l.write, haveWrite = c, true
		}
	}
	// Some clones expose a single characteristic for both directions.
	if len(chars) == 1 {
		l.notify, l.write = chars[0], chars[0]
		haveNotify, haveWrite = true, true
	}
	if !haveNotify || !haveWrite {
		return nil, fmt.Errorf("%w: notify=%t write=%t", ErrCharacteristicNotFound, haveNotify, haveWrite)
	}
	return l, nil
}

type link struct {
	conn   bluetooth.Device
	notify bluetooth.DeviceCharacteristic
	write  bluetooth.DeviceCharacteristic

	mu           sync.Mutex
	closed       bool
	onDisconnect func()
}

func (l *link) Write(p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for len(p) > 0 {
		n := min(maxWrite, len(p))
		if _, err := l.write.WriteWithoutResponse(p[:n]); err != nil {
			return fmt.Errorf("ble: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func (l *link) Subscribe(handler func([]byte)) error {
	err := l.notify.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		handler(chunk)
	})
	if err != nil {
		return fmt.Errorf("ble: enable notifications: %w", err)
	}
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
	return l.conn.Disconnect()
}

func (l *link) dropped() {
	l.mu.Lock()
	wasClosed := l.closed
	l.closed = true
	fn := l.onDisconnect
	l.mu.Unlock()

	if !wasClosed && fn != nil {
		fn()
	}
}
