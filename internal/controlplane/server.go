// Package controlplane exposes the running supervisor's operator controls
// over HTTP: status, pause, resume, close-all, kill, plus a WebSocket feed
// that pushes a status snapshot on every state change. Authenticating the
// caller is the deployment's responsibility (a reverse proxy, mTLS, or a
// bearer-token middleware wrapping this server) and is out of scope here.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/novapulse/supervisor/internal/supervisor"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Supervisor is the narrow slice of *supervisor.Supervisor this server
// drives, kept as an interface so it can be exercised with a stub in tests.
type Supervisor interface {
	Pause()
	Resume()
	CloseAll(ctx context.Context)
	Kill()
	Status() supervisor.StatusSnapshot
}

// Server is the HTTP/WebSocket control surface.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	addr       string
	sup        Supervisor
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]chan []byte
}

// NewServer builds the control-plane server bound to addr.
func NewServer(logger *zap.Logger, addr string, sup Supervisor) *Server {
	s := &Server{
		logger:  logger.Named("controlplane"),
		addr:    addr,
		sup:     sup,
		router:  mux.NewRouter(),
		clients: make(map[string]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/close_all", s.handleCloseAll).Methods("POST")
	s.router.HandleFunc("/api/v1/kill", s.handleKill).Methods("POST")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until the process is stopped or Stop is
// called; matches the blocking ListenAndServe pattern used elsewhere in
// this codebase's server components.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("starting control plane", zap.String("addr", s.addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server and drops all WebSocket feeds.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sup.Pause()
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sup.Resume()
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.sup.CloseAll(r.Context())
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, map[string]string{"status": "close_all_requested"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.sup.Kill()
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	id := fmt.Sprintf("%p", conn)
	send := make(chan []byte, 16)

	s.mu.Lock()
	s.clients[id] = send
	s.mu.Unlock()

	s.logger.Info("control plane client connected", zap.String("id", id))

	go s.writePump(id, conn, send)

	if snapshot, err := json.Marshal(s.sup.Status()); err == nil {
		select {
		case send <- snapshot:
		default:
		}
	}
	go s.readPump(id, conn)
}

func (s *Server) readPump(id string, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if ch, ok := s.clients[id]; ok {
			close(ch)
			delete(s.clients, id)
		}
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(id string, conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastStatus() {
	snapshot, err := json.Marshal(s.sup.Status())
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
