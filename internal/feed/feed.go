// Package feed serves live telemetry to browsers: a websocket broadcast of
// every merged snapshot plus a small JSON API over the store.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/store"
	"obdash/pkg/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultListenAddr = ":8080"
	sendBuffer        = 64
	writeWait         = 2 * time.Second

	// maxMisses consecutive full send buffers get a client dropped.
	maxMisses = 16
)

// Store is the part of store.Store the feed reads from.
type Store interface {
	Latest() store.Snapshot
	History() []store.Snapshot
	Status() obd.ConnectionState
	Simulating() bool
	FetchDTCs(ctx context.Context) ([]models.DTCEntry, error)
}

// Frame is the JSON message pushed to websocket clients.
type Frame struct {
	Type       string               `json:"type"`
	Snapshot   *store.Snapshot      `json:"snapshot,omitempty"`
	State      *obd.ConnectionState `json:"state,omitempty"`
	Simulating *bool                `json:"simulating,omitempty"`
	Stamp      int64                `json:"stamp"`
}

type StatusResponse struct {
	State      obd.ConnectionState `json:"state"`
	Simulating bool                `json:"simulating"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	misses atomic.Int32
}

// Server broadcasts store updates to every connected websocket client.
type Server struct {
	addr  string
	store Store

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(addr string, st Store) *Server {
	if addr == "" {
		addr = DefaultListenAddr
	}
	return &Server{
		addr:  addr,
		store: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler exposes the routes for embedding or tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/dtcs", s.handleDTCs)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("feed shutdown", zap.Error(err))
		}
		s.closeClients()
	}()

	log.Info("feed listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish is a store.Sink.
func (s *Server) Publish(snap store.Snapshot) {
	s.broadcast(Frame{Type: "reading", Snapshot: &snap, Stamp: snap.Stamp.UnixMilli()})
}

// PublishStatus is a store.StatusSink.
func (s *Server) PublishStatus(state obd.ConnectionState, simulating bool) {
	s.broadcast(Frame{Type: "status", State: &state, Simulating: &simulating, Stamp: time.Now().UnixMilli()})
}

// Clients is the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	var slow []*client
	s.clientsMu.RLock()
	for c := range s.clients {
		select {
		case c.send <- data:
			c.misses.Store(0)
		default:
			// Slow clients miss frames rather than stall the adapter.
			if c.misses.Add(1) >= maxMisses {
				slow = append(slow, c)
			}
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range slow {
		log.Warn("dropping slow websocket client", zap.Int("missed", maxMisses))
		s.removeClient(c)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// Greet with the current state before any broadcast reaches the client.
	state, simulating := s.store.Status(), s.store.Simulating()
	latest := s.store.Latest()
	for _, f := range []Frame{
		{Type: "status", State: &state, Simulating: &simulating, Stamp: time.Now().UnixMilli()},
		{Type: "reading", Snapshot: &latest, Stamp: latest.Stamp.UnixMilli()},
	} {
		if data, err := json.Marshal(f); err == nil {
			c.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Info("websocket client connected", zap.Int("clients", n))

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop only drains control frames; the feed is one-way.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Info("websocket client disconnected", zap.Int("clients", n))
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{State: s.store.Status(), Simulating: s.store.Simulating()})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.store.Latest())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.store.History())
}

func (s *Server) handleDTCs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	entries, err := s.store.FetchDTCs(r.Context())
	switch {
	case errors.Is(err, obd.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNoSource), errors.Is(err, obd.ErrNotConnected), errors.Is(err, obd.ErrCommandPending):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, entries)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
}
