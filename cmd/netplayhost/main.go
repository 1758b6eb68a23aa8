// Package main implements the netplay host server.
//
// Connection Flow:
// 1. Client connects via WebSocket to /ws (optionally /ws?session=<id>)
// 2. Client sends a Join message with its player name
// 3. Host places the client in a session and replies with SessionInfo
// 4. Client streams Unreliable telemetry and Reliable commands; the session
//    relays the merged view to every peer once per tick
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/clock"
	"github.com/race/netplay/internal/lobby"
	"github.com/race/netplay/internal/network"
	"github.com/race/netplay/internal/session"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// HostServer manages all connections and sessions.
type HostServer struct {
	config   *config.NetplayConfig
	lobby    *lobby.Lobby
	protocol *network.Protocol
	upgrader websocket.Upgrader
	timeSync *clock.TimeSync // nil when NTP is disabled

	mu          sync.Mutex
	connections map[*ClientConnection]bool
}

// ClientConnection represents a single connected client.
// Each client has its own goroutines for reading and writing messages.
type ClientConnection struct {
	ws       *websocket.Conn
	server   *HostServer
	wanted   string // Session requested in the URL, if any
	sendChan chan []byte
	done     chan struct{}

	mu      sync.Mutex
	session *session.Session // nil until joined
	peer    *session.Peer

	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()
	server := NewHostServer(cfg)

	log.Printf("=================================")
	log.Printf("  Netplay Host")
	log.Printf("=================================")
	log.Printf("  Host: %s", cfg.Host)
	log.Printf("  Port: %d", cfg.Port)
	log.Printf("  Tick Rate: %d Hz", config.TickRate)
	log.Printf("  Max Players/Session: %d", config.MaxNumberOfPlayers-1)
	log.Printf("  Max Sessions: %d", config.MaxSessionsPerServer)
	log.Printf("  Max Latency: %v", cfg.MaxLatency)
	log.Printf("  Anti-Cheat: %s", session.CheatKind(cfg.AntiCheat))
	log.Printf("=================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// NewHostServer creates and initializes a new host server instance.
func NewHostServer(cfg *config.NetplayConfig) *HostServer {
	s := &HostServer{
		config:   cfg,
		lobby:    lobby.New(cfg.AntiCheat),
		protocol: network.NewProtocol(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.EnableCORS
			},
		},
		connections: make(map[*ClientConnection]bool),
	}

	if cfg.NtpEnabled {
		s.timeSync = clock.New(cfg.NtpServer, clock.NTPQuerier{})
	}

	s.lobby.OnCreate(func(sess *session.Session) {
		sess.SetMaxLatency(cfg.MaxLatency)
		if s.timeSync != nil {
			sess.SetClock(s.timeSync.Now)
		}
	})
	return s
}

// Start begins listening for connections and runs background tasks.
// Blocks until ctx is cancelled or the listener fails.
func (s *HostServer) Start(ctx context.Context) error {
	if s.timeSync != nil {
		go s.timeSync.Run(ctx)
	}

	// Background task: Clean up empty sessions every 30 seconds
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.lobby.CleanupEmptySessions(); removed > 0 {
					log.Printf("Cleaned up %d empty sessions", removed)
				}
			}
		}
	}()

	// Background task: Log statistics every 5 minutes (only when active)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.lobby.GetStats()
				if stats.TotalSessions > 0 || stats.TotalPlayers > 0 {
					log.Printf("Stats: %d sessions, %d total players", stats.TotalSessions, stats.TotalPlayers)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		s.lobby.Shutdown()
	}()

	log.Printf("Server listening on %s", addr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth responds to health check requests.
func (s *HostServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleStats returns current server statistics as JSON.
func (s *HostServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.lobby.GetStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("Failed to write stats: %v", err)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket and manages client lifecycle.
func (s *HostServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := &ClientConnection{
		ws:       ws,
		server:   s,
		wanted:   r.URL.Query().Get("session"),
		sendChan: make(chan []byte, config.SendBufferSize),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[conn] = true
	s.mu.Unlock()

	log.Printf("New connection from %s", ws.RemoteAddr())

	go conn.writePump()
	go conn.readPump()
}

// Send queues data to be sent to the client.
// Non-blocking: telemetry is dropped if the buffer is full, while a reliable
// message that does not fit disconnects the client.
func (c *ClientConnection) Send(data []byte) error {
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
	}

	if len(data) > 0 && data[0] == network.MsgTypeUnreliable {
		// Telemetry is superseded next tick; a slow client misses one update
		return nil
	}
	log.Printf("Send buffer full for %s, disconnecting", c.RemoteAddr())
	c.Close()
	return errSendBufferFull
}

// Close shuts down the connection. Safe to call multiple times.
func (c *ClientConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the client's address for logging.
func (c *ClientConnection) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump sends queued messages and periodic pings.
func (c *ClientConnection) writePump() {
	ticker := time.NewTicker(config.PingPeriod)
	defer ticker.Stop()
	defer c.cleanup()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump receives messages and dispatches them.
func (c *ClientConnection) readPump() {
	defer c.cleanup()

	c.ws.SetReadLimit(config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		c.handleMessage(message)
	}
}

// handleMessage dispatches on the first byte of the message.
func (c *ClientConnection) handleMessage(data []byte) {
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case network.MsgTypeJoin:
		c.handleJoin(data)

	case network.MsgTypeUnreliable:
		if sess, peer := c.membership(); sess != nil {
			sess.HandleUnreliable(peer.Index, data)
		}

	case network.MsgTypeReliable, network.MsgTypeReliableLZ4:
		if sess, peer := c.membership(); sess != nil {
			sess.HandleReliable(peer.Index, data)
		}

	case network.MsgTypePing:
		c.handlePing(data)

	case network.MsgTypeLeave:
		c.handleLeave()

	default:
		log.Printf("Unknown message type %#x from %s", data[0], c.RemoteAddr())
	}
}

// handleJoin places the client in a session.
func (c *ClientConnection) handleJoin(data []byte) {
	msg, err := c.server.protocol.DecodeJoin(data)
	if err != nil {
		log.Printf("Invalid join message from %s: %v", c.RemoteAddr(), err)
		c.Send(c.server.protocol.EncodeError(network.ErrorCodeInvalidMessage, err.Error()))
		return
	}
	if sess, _ := c.membership(); sess != nil {
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = "Player"
	}
	if len(name) > 20 {
		name = name[:20]
	}

	var sess *session.Session
	if c.wanted != "" {
		sess = c.server.lobby.GetOrCreateSession(c.wanted)
	} else {
		sess = c.server.lobby.FindSession()
	}
	if sess == nil {
		c.Send(c.server.protocol.EncodeError(network.ErrorCodeSessionFull, "Server full"))
		return
	}

	peer, err := sess.AddPeer(name, c)
	if err != nil {
		c.Send(c.server.protocol.EncodeError(network.ErrorCodeSessionFull, err.Error()))
		return
	}

	c.mu.Lock()
	c.session = sess
	c.peer = peer
	c.mu.Unlock()
}

// handlePing answers with a pong carrying the same timestamp.
func (c *ClientConnection) handlePing(data []byte) {
	timestamp, err := c.server.protocol.DecodeTimestamp(data)
	if err != nil {
		return
	}
	c.Send(c.server.protocol.EncodePong(timestamp))
}

// handleLeave removes the client from its session.
func (c *ClientConnection) handleLeave() {
	c.mu.Lock()
	sess, peer := c.session, c.peer
	c.session, c.peer = nil, nil
	c.mu.Unlock()

	if sess != nil {
		sess.RemovePeer(peer.Index)
	}
}

func (c *ClientConnection) membership() (*session.Session, *session.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.peer
}

// cleanup removes the connection from tracking and its session.
func (c *ClientConnection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.server.mu.Lock()
		delete(c.server.connections, c)
		c.server.mu.Unlock()

		c.handleLeave()
		c.Close()
		log.Printf("Connection closed: %s", c.RemoteAddr())
	})
}
