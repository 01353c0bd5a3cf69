// Package ops serves a small read-only observation surface for the relay:
// a JSON roster snapshot over plain HTTP and a live roster push over
// WebSocket. It never mutates hub state.
package ops

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/attolabs/scenecomm/internal/relay"
	"github.com/attolabs/scenecomm/internal/util"
)

// pushInterval is how often a connected WebSocket watcher receives a
// fresh roster.
const pushInterval = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RosterFunc supplies the current registry snapshot.
type RosterFunc func() []relay.ClientInfo

// Server is the ops HTTP listener.
type Server struct {
	addr     string
	roster   RosterFunc
	listener net.Listener
}

// NewServer creates an ops server bound later to addr.
func NewServer(addr string, roster RosterFunc) *Server {
	return &Server{addr: addr, roster: roster}
}

// Start begins listening and serving. Returns the assigned port number.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return 0, fmt.Errorf("ops listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("ops console listening at %s", listener.Addr())
	return port, nil
}

// Close shuts down the listener. In-flight watchers exit on their next
// write.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// handleClients writes the roster snapshot as JSON.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.roster()); err != nil {
		util.LogDebug("ops: roster encode: %v", err)
	}
}

// handleWS upgrades the connection and pushes the roster every interval
// until the watcher goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain control frames so pings and the close handshake are seen.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.roster()); err != nil {
			return
		}
		<-ticker.C
	}
}
