package simulator

import (
	"context"
	"sync"
	"time"

	"obdash/internal/obd"
	"obdash/pkg/log"

	"go.uber.org/zap"
)

const DefaultInterval = 500 * time.Millisecond

// Simulator emits a full reading from its Engine on every tick while running.
type Simulator struct {
	engine   *Engine
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a stopped simulator. A zero interval uses DefaultInterval.
func New(engine *Engine, interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Simulator{engine: engine, interval: interval}
}

// Start begins emitting readings to fn. Starting a running simulator is a no-op.
func (s *Simulator) Start(fn obd.DataFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(fn, s.stop, s.done)
	log.Info("simulator started", zap.Duration("interval", s.interval))
}

// Stop halts the simulator and waits for the last emission to finish.
func (s *Simulator) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("simulator stopped")
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// FetchDTCs returns the engine's synthetic codes so a simulated session can
// be used wherever a live adapter is expected.
func (s *Simulator) FetchDTCs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.Codes(), nil
}

func (s *Simulator) run(fn obd.DataFunc, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reading := s.engine.Step()
			s.engine.Churn()
			if fn != nil {
				fn(reading)
			}
		}
	}
}
