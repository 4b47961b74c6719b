package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obd-uplink/internal/obd"
)

// StatsSource exposes the counters of a running session.
type StatsSource interface {
	Stats() obd.Stats
}

// Server publishes coolant readings and session health to WebSocket
// clients and over a small JSON API.
type Server struct {
	cfg   *Config
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	stateMu sync.RWMutex
	session StatsSource
	last    *obd.Reading
	started time.Time
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading   *obd.Reading    `json:"reading,omitempty"`
	Telemetry json.RawMessage `json:"telemetry,omitempty"` // payload as handed to the cloud
	Status    *Status         `json:"status,omitempty"`
	Stamp     int64           `json:"stamp"` // Unix ms
}

// Status is the body of /api/status.
type Status struct {
	Connected bool         `json:"connected"`
	Reading   *obd.Reading `json:"reading,omitempty"`
	Stats     *obd.Stats   `json:"stats,omitempty"`
	UptimeSec int64        `json:"uptimeSec"`
}

// New creates a new Server.
func New(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// SetSession attaches the session once the adapter is open.
func (s *Server) SetSession(src StatsSource) {
	s.stateMu.Lock()
	s.session = src
	s.stateMu.Unlock()
}

// Observe implements obd.Observer.
func (s *Server) Observe(r obd.Reading) {
	s.stateMu.Lock()
	s.last = &r
	s.stateMu.Unlock()

	s.broadcast(Frame{Reading: &r, Stamp: time.Now().UnixMilli()})
}

// Send implements telemetry.Sender by mirroring the cloud payload to
// WebSocket clients. It never fails.
func (s *Server) Send(payload []byte) error {
	if !json.Valid(payload) {
		log.Warnf("[server] not broadcasting invalid telemetry payload %q", payload)
		return nil
	}
	s.broadcast(Frame{Telemetry: append(json.RawMessage(nil), payload...), Stamp: time.Now().UnixMilli()})
	return nil
}

func (s *Server) status() *Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := &Status{
		Connected: s.session != nil,
		Reading:   s.last,
		UptimeSec: int64(time.Since(s.started) / time.Second),
	}
	if s.session != nil {
		stats := s.session.Stats()
		st.Stats = &stats
	}
	return st
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send current status first
	if data, err := json.Marshal(Frame{Status: s.status(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer s.dropClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) dropClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	n := len(s.clients)
	close(c.send)
	s.clientsMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", n)
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.clientsMu.RUnlock()

	// closing the conn ends the reader goroutine, which drops the client
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Errorf("[config] save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok", "note": "restart to apply"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[server] encode response: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
