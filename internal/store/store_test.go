package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"obdash/internal/dtc"
	"obdash/internal/obd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFallback struct {
	mu      sync.Mutex
	fn      obd.DataFunc
	starts  int
	stops   int
	running bool
	codes   []string
}

func (f *fakeFallback) Start(fn obd.DataFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	f.fn = fn
}

func (f *fakeFallback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeFallback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeFallback) FetchDTCs(ctx context.Context) ([]string, error) {
	return f.codes, nil
}

func (f *fakeFallback) emit(r obd.SensorReading) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(r)
}

type fakeSource struct {
	codes []string
	err   error
}

func (f fakeSource) FetchDTCs(ctx context.Context) ([]string, error) {
	return f.codes, f.err
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestOnDataMergesPartialReadings(t *testing.T) {
	s := New(nil, nil, nil, WithClock(fixedClock()))

	s.OnData(obd.SensorReading{obd.ChannelRPM: 1726})
	s.OnData(obd.SensorReading{obd.ChannelSpeed: 50})
	s.OnData(obd.SensorReading{obd.ChannelRPM: 2000})

	latest := s.Latest()
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 2000, obd.ChannelSpeed: 50}, latest.Values)
	assert.Equal(t, SourceLive, latest.Source)

	h := s.History()
	require.Len(t, h, 3)
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 1726}, h[0].Values)
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 1726, obd.ChannelSpeed: 50}, h[1].Values)
	assert.True(t, h[0].Stamp.Before(h[2].Stamp))
}

func TestOnDataIgnoresEmptyReadings(t *testing.T) {
	s := New(nil, nil, nil)
	s.OnData(nil)
	s.OnData(obd.SensorReading{})
	assert.Empty(t, s.History())
	assert.Equal(t, SourceNone, s.Latest().Source)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(nil, nil, nil)
	for i := 0; i < DefaultHistorySize+25; i++ {
		s.OnData(obd.SensorReading{obd.ChannelRPM: float64(i)})
	}

	h := s.History()
	require.Len(t, h, DefaultHistorySize)
	assert.Equal(t, 25.0, h[0].Values[obd.ChannelRPM], "oldest entries are evicted first")
	assert.Equal(t, float64(DefaultHistorySize+24), h[len(h)-1].Values[obd.ChannelRPM])
}

func TestWithHistorySize(t *testing.T) {
	s := New(nil, nil, nil, WithHistorySize(3))
	for i := 0; i < 10; i++ {
		s.OnData(obd.SensorReading{obd.ChannelSpeed: float64(i)})
	}
	h := s.History()
	require.Len(t, h, 3)
	assert.Equal(t, 7.0, h[0].Values[obd.ChannelSpeed])
}

func TestReturnedSnapshotsAreCopies(t *testing.T) {
	s := New(nil, nil, nil)
	s.OnData(obd.SensorReading{obd.ChannelRPM: 800})

	s.Latest().Values[obd.ChannelRPM] = 0
	s.History()[0].Values[obd.ChannelRPM] = 0

	assert.Equal(t, 800.0, s.Latest().Values[obd.ChannelRPM])
	assert.Equal(t, 800.0, s.History()[0].Values[obd.ChannelRPM])
}

func TestOnStatusTogglesFallback(t *testing.T) {
	fb := &fakeFallback{}
	s := New(nil, fb, nil)

	var mu sync.Mutex
	var got []bool
	s.AddStatusSink(func(state obd.ConnectionState, simulating bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, simulating)
	})

	s.OnStatus(obd.StateError)
	assert.True(t, s.Simulating())
	assert.Equal(t, obd.StateError, s.Status())

	s.OnStatus(obd.StateConnecting)
	assert.True(t, s.Simulating(), "connecting keeps the fallback running")

	s.OnStatus(obd.StateConnected)
	assert.False(t, s.Simulating())

	s.OnStatus(obd.StateDisconnected)
	assert.True(t, s.Simulating())

	assert.Equal(t, 2, fb.starts)
	assert.Equal(t, 1, fb.stops)
	assert.Equal(t, []bool{true, true, false, true}, got)
}

func TestSimulatedDataIsTagged(t *testing.T) {
	fb := &fakeFallback{}
	s := New(nil, fb, nil)
	s.OnStatus(obd.StateDisconnected)

	fb.emit(obd.SensorReading{obd.ChannelRPM: 900})
	assert.Equal(t, SourceSimulated, s.Latest().Source)

	s.OnStatus(obd.StateConnected)
	s.OnData(obd.SensorReading{obd.ChannelSpeed: 10})
	latest := s.Latest()
	assert.Equal(t, SourceLive, latest.Source)
	assert.Equal(t, obd.SensorReading{obd.ChannelSpeed: 10}, latest.Values)
}

func TestSourceChangeDropsCarriedValues(t *testing.T) {
	fb := &fakeFallback{}
	s := New(nil, fb, nil)
	s.OnStatus(obd.StateDisconnected)

	fb.emit(obd.SensorReading{obd.ChannelFuelPressure: 3.3, obd.ChannelRPM: 900})
	s.OnStatus(obd.StateConnected)
	s.OnData(obd.SensorReading{obd.ChannelRPM: 1726})
	s.OnData(obd.SensorReading{obd.ChannelSpeed: 50})

	latest := s.Latest()
	assert.Equal(t, SourceLive, latest.Source)
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 1726, obd.ChannelSpeed: 50}, latest.Values)

	s.OnStatus(obd.StateDisconnected)
	fb.emit(obd.SensorReading{obd.ChannelRPM: 800})
	latest = s.Latest()
	assert.Equal(t, SourceSimulated, latest.Source)
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 800}, latest.Values)
}

func TestSinksReceiveSnapshots(t *testing.T) {
	s := New(nil, nil, nil)
	var got []Snapshot
	s.AddSink(func(snap Snapshot) { got = append(got, snap) })

	s.OnData(obd.SensorReading{obd.ChannelRPM: 1000})
	s.OnData(obd.SensorReading{obd.ChannelSpeed: 20})

	require.Len(t, got, 2)
	assert.Equal(t, obd.SensorReading{obd.ChannelRPM: 1000, obd.ChannelSpeed: 20}, got[1].Values)
}

func TestFetchDTCsFromLiveSource(t *testing.T) {
	s := New(fakeSource{codes: []string{"P0420", "U0100"}}, &fakeFallback{}, dtc.MustDefault())
	s.OnStatus(obd.StateConnected)

	entries, err := s.FetchDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Catalyst System Efficiency Below Threshold", entries[0].Description)
	assert.Equal(t, "Lost Communication With ECM/PCM", entries[1].Description)
}

func TestFetchDTCsFromSimulator(t *testing.T) {
	fb := &fakeFallback{codes: []string{"P0300"}}
	s := New(fakeSource{err: obd.ErrNotConnected}, fb, dtc.MustDefault())
	s.OnStatus(obd.StateDisconnected)

	entries, err := s.FetchDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "P0300", entries[0].Code)
}

func TestFetchDTCsErrors(t *testing.T) {
	s := New(nil, nil, nil)
	_, err := s.FetchDTCs(context.Background())
	assert.ErrorIs(t, err, ErrNoSource)

	timeout := errors.New("wrapped")
	s = New(fakeSource{err: timeout}, nil, nil)
	s.OnStatus(obd.StateConnected)
	_, err = s.FetchDTCs(context.Background())
	assert.ErrorIs(t, err, timeout)
}

func TestFetchDTCsWithoutCatalog(t *testing.T) {
	s := New(fakeSource{codes: []string{"P0133"}}, nil, nil)
	s.OnStatus(obd.StateConnected)

	entries, err := s.FetchDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "P0133", entries[0].Code)
	assert.Empty(t, entries[0].Description)
}
