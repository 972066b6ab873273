// Package store is the consumer side of the adapter: it merges partial
// readings into a full record, keeps a bounded history and falls back to the
// simulator whenever no live link is up.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"obdash/internal/dtc"
	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/pkg/log"

	"go.uber.org/zap"
)

const DefaultHistorySize = 500

var ErrNoSource = errors.New("store: no DTC source available")

// Source tells whether a snapshot came from the vehicle or the simulator.
type Source string

const (
	SourceNone      Source = "none"
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
)

// Snapshot is a full reading at a point in time.
type Snapshot struct {
	Values obd.SensorReading `json:"values"`
	Stamp  time.Time         `json:"stamp"`
	Source Source            `json:"source"`
}

// Sink receives every merged snapshot. Sinks run on the caller's goroutine
// and must not block.
type Sink func(Snapshot)

// StatusSink receives connection state changes after the store handled them.
type StatusSink func(state obd.ConnectionState, simulating bool)

// Fallback is a data generator used while no live link is available.
type Fallback interface {
	Start(fn obd.DataFunc)
	Stop()
	Running() bool
	obd.DTCSource
}

type Option func(*Store)

// WithHistorySize overrides the rolling history capacity.
func WithHistorySize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	live     obd.DTCSource
	fallback Fallback
	catalog  *dtc.Catalog

	historySize int
	now         func() time.Time

	mu      sync.RWMutex
	status  obd.ConnectionState
	latest  Snapshot
	history []Snapshot

	sinksMu     sync.RWMutex
	sinks       []Sink
	statusSinks []StatusSink
}

// New creates a store. live is the adapter used for DTC reads while
// connected; fallback may be nil when no simulation is wanted.
func New(live obd.DTCSource, fallback Fallback, catalog *dtc.Catalog, opts ...Option) *Store {
	s := &Store{
		live:        live,
		fallback:    fallback,
		catalog:     catalog,
		historySize: DefaultHistorySize,
		now:         time.Now,
		status:      obd.StateDisconnected,
		latest:      Snapshot{Values: obd.SensorReading{}, Source: SourceNone},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSink registers a snapshot consumer.
func (s *Store) AddSink(fn Sink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, fn)
}

// AddStatusSink registers a connection state consumer.
func (s *Store) AddStatusSink(fn StatusSink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.statusSinks = append(s.statusSinks, fn)
}

// OnStatus is the adapter status callback. Disconnected and Error start the
// fallback generator, Connected stops it; the two never run together.
func (s *Store) OnStatus(state obd.ConnectionState) {
	s.mu.Lock()
	s.status = state
	s.mu.Unlock()

	log.Info("connection state", zap.Stringer("state", state))

	if s.fallback != nil {
		switch state {
		case obd.StateDisconnected, obd.StateError:
			s.fallback.Start(s.onSimulated)
		case obd.StateConnected:
			s.fallback.Stop()
		}
	}

	simulating := s.Simulating()
	s.sinksMu.RLock()
	sinks := append([]StatusSink(nil), s.statusSinks...)
	s.sinksMu.RUnlock()
	for _, fn := range sinks {
		fn(state, simulating)
	}
}

// OnData is the adapter data callback.
func (s *Store) OnData(r obd.SensorReading) {
	s.merge(r, SourceLive)
}

func (s *Store) onSimulated(r obd.SensorReading) {
	s.merge(r, SourceSimulated)
}

// merge carries forward every channel the partial reading does not carry.
// Values from a different source are never carried, so a live record holds
// no simulated channels and the other way round.
func (s *Store) merge(r obd.SensorReading, src Source) {
	if len(r) == 0 {
		return
	}

	s.mu.Lock()
	values := make(obd.SensorReading, len(s.latest.Values)+len(r))
	if s.latest.Source == src {
		for ch, v := range s.latest.Values {
			values[ch] = v
		}
	}
	for ch, v := range r {
		values[ch] = v
	}
	snap := Snapshot{Values: values, Stamp: s.now(), Source: src}
	s.latest = snap

	s.history = append(s.history, snap)
	if over := len(s.history) - s.historySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.mu.Unlock()

	s.sinksMu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.sinksMu.RUnlock()
	for _, fn := range sinks {
		fn(snap.clone())
	}
}

// Latest returns the current full record.
func (s *Store) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.clone()
}

// History returns the rolling history, oldest first.
func (s *Store) History() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.history))
	for i, snap := range s.history {
		out[i] = snap.clone()
	}
	return out
}

func (s *Store) Status() obd.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) Simulating() bool {
	return s.fallback != nil && s.fallback.Running()
}

// FetchDTCs reads codes from the adapter while connected, from the simulator
// otherwise, and enriches them from the catalog.
func (s *Store) FetchDTCs(ctx context.Context) ([]models.DTCEntry, error) {
	var src obd.DTCSource
	switch {
	case s.Status() == obd.StateConnected && s.live != nil:
		src = s.live
	case s.Simulating():
		src = s.fallback
	default:
		return nil, ErrNoSource
	}

	codes, err := src.FetchDTCs(ctx)
	if err != nil {
		log.Error("failed to fetch DTCs", zap.Error(err))
		return nil, err
	}
	log.Info("DTCs fetched", zap.Strings("codes", codes))
	if s.catalog == nil {
		entries := make([]models.DTCEntry, 0, len(codes))
		for _, c := range codes {
			entries = append(entries, models.DTCEntry{Code: c, Severity: models.SeverityUnknown})
		}
		return entries, nil
	}
	return s.catalog.Enrich(codes), nil
}

func (snap Snapshot) clone() Snapshot {
	values := make(obd.SensorReading, len(snap.Values))
	for ch, v := range snap.Values {
		values[ch] = v
	}
	snap.Values = values
	return snap
}
