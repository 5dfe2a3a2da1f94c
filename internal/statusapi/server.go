// Package statusapi exposes the daemon's state over HTTP: a JSON status
// endpoint, a manual sync trigger, and a WebSocket feed of engine events.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/marksync/marksync/internal/engine"
)

// Engine is the slice of the sync engine the server drives.
type Engine interface {
	TriggerSync() bool
	TriggerReset() bool
	Status() engine.Status
}

type Logger interface {
	Printf(format string, args ...any)
}

// Message is one WebSocket broadcast frame.
type Message struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	Addr   string
	Engine Engine
	Logger Logger
}

// Server broadcasts engine events to WebSocket clients and serves status and
// trigger endpoints. It implements engine.StatusSink, so it can be wired
// directly as the engine's sink.
type Server struct {
	addr   string
	eng    Engine
	logger Logger

	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		addr:      opts.Addr,
		eng:       opts.Engine,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status api: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("status api listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("status api: serve: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Addr returns the bound listen address, useful with a ":0" configuration.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Publish satisfies engine.StatusSink: engine events become WebSocket
// broadcasts. A full broadcast queue drops the message rather than blocking
// the engine loop.
func (s *Server) Publish(kind string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("status api: marshal %s event: %v", kind, err)
		return
	}
	msg := Message{Kind: kind, Timestamp: time.Now(), Data: payload}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("status api: broadcast queue full, dropping %s event", kind)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("status api: marshal frame: %v", err)
				continue
			}
			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("status api: websocket accept: %v", err)
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects are
// noticed; inbound payloads are not interpreted.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": clients})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	queued := s.eng.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	queued := s.eng.TriggerReset()
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
