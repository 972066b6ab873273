package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	latest  store.Snapshot
	history []store.Snapshot
	state   obd.ConnectionState
	sim     bool
	dtcs    []models.DTCEntry
	dtcErr  error
}

func (f *fakeStore) Latest() store.Snapshot      { return f.latest }
func (f *fakeStore) History() []store.Snapshot   { return f.history }
func (f *fakeStore) Status() obd.ConnectionState { return f.state }
func (f *fakeStore) Simulating() bool            { return f.sim }
func (f *fakeStore) FetchDTCs(ctx context.Context) ([]models.DTCEntry, error) {
	return f.dtcs, f.dtcErr
}

var stamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newFakeStore() *fakeStore {
	snap := store.Snapshot{
		Values: obd.SensorReading{obd.ChannelRPM: 1726},
		Stamp:  stamp,
		Source: store.SourceLive,
	}
	return &fakeStore{
		latest:  snap,
		history: []store.Snapshot{snap},
		state:   obd.StateConnected,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s := New("", newFakeStore())
	rec := get(t, s.Handler(), "/api/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"connected","simulating":false}`, rec.Body.String())
}

func TestLatestAndHistoryEndpoints(t *testing.T) {
	s := New("", newFakeStore())

	rec := get(t, s.Handler(), "/api/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1726.0, snap.Values[obd.ChannelRPM])
	assert.Equal(t, store.SourceLive, snap.Source)

	rec = get(t, s.Handler(), "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []store.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestDTCEndpoint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "ok", code: http.StatusOK},
		{name: "timeout", err: obd.ErrCommandTimeout, code: http.StatusGatewayTimeout},
		{name: "no source", err: store.ErrNoSource, code: http.StatusServiceUnavailable},
		{name: "link lost", err: obd.ErrLinkLost, code: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			st.dtcs = []models.DTCEntry{{Code: "P0420", Description: "Catalyst", Severity: models.SeverityMedium}}
			st.dtcErr = tt.err

			rec := get(t, New("", st).Handler(), "/api/dtcs")
			assert.Equal(t, tt.code, rec.Code)
			if tt.err == nil {
				assert.Contains(t, rec.Body.String(), `"code":"P0420"`)
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestEndpointsRejectPost(t *testing.T) {
	s := New("", newFakeStore())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/latest", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketGreetsAndBroadcasts(t *testing.T) {
	s := New("", newFakeStore())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "status", f.Type)
	require.NotNil(t, f.State)
	assert.Equal(t, obd.StateConnected, *f.State)

	f = readFrame(t, conn)
	assert.Equal(t, "reading", f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, 1726.0, f.Snapshot.Values[obd.ChannelRPM])

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	s.Publish(store.Snapshot{Values: obd.SensorReading{obd.ChannelSpeed: 50}, Stamp: stamp, Source: store.SourceSimulated})
	f = readFrame(t, conn)
	assert.Equal(t, "reading", f.Type)
	assert.Equal(t, 50.0, f.Snapshot.Values[obd.ChannelSpeed])
	assert.Equal(t, stamp.UnixMilli(), f.Stamp)

	s.PublishStatus(obd.StateDisconnected, true)
	f = readFrame(t, conn)
	assert.Equal(t, "status", f.Type)
	require.NotNil(t, f.Simulating)
	assert.True(t, *f.Simulating)

	conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", newFakeStore())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	s := New("", newFakeStore())
	c := &client{send: make(chan []byte, 1)}
	s.clients[c] = struct{}{}

	s.PublishStatus(obd.StateConnected, false)
	for i := 0; i < maxMisses-1; i++ {
		s.PublishStatus(obd.StateConnected, false)
	}
	assert.Equal(t, 1, s.Clients(), "missed frames alone do not drop a client")

	// Draining resets the count.
	<-c.send
	s.PublishStatus(obd.StateConnected, false)
	assert.Zero(t, c.misses.Load())

	for i := 0; i < maxMisses; i++ {
		s.PublishStatus(obd.StateConnected, false)
	}
	assert.Zero(t, s.Clients())

	<-c.send
	_, open := <-c.send
	assert.False(t, open, "send channel is closed on drop")
}
