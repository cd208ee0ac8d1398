package relay

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/mailchat/backend/internal/events"
)

// ServerConfig holds tunable parameters for the relay server.
type ServerConfig struct {
	WriteTimeout      time.Duration // timeout for a single outbound frame write
	SendBuffer        int           // per-session outbound event buffer
	HeartbeatInterval time.Duration // how often to ping idle connections
	HeartbeatTimeout  time.Duration // extra slack before an idle connection is dead
	ShutdownGrace     time.Duration // max wait for sessions to unwind on shutdown
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ShutdownGrace:     5 * time.Second,
	}
}

// TokenVerifier turns a bearer token into an authenticated subject.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Server accepts WebSocket connections on /ws, authenticates them, and
// runs one Session per connection. The registry and bus are injected so
// the server owns neither.
type Server struct {
	config   ServerConfig
	verifier TokenVerifier
	registry *Registry
	bus      EventBus
	filter   DeliveryFilter

	mu       sync.Mutex
	sessions map[string]*Session

	done chan struct{}
}

// NewServer creates a relay server. A nil filter forwards everything.
func NewServer(config ServerConfig, verifier TokenVerifier, registry *Registry, bus EventBus, filter DeliveryFilter) *Server {
	return &Server{
		config:   config,
		verifier: verifier,
		registry: registry,
		bus:      bus,
		filter:   filter,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat monitor. It returns immediately.
func (s *Server) Start() {
	go s.heartbeatLoop()
}

// HandleWS upgrades an HTTP request to a relay session. The bearer token
// arrives as a query parameter; a missing or invalid token is rejected
// with 401 before the upgrade ever happens.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	subject, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		log.Printf("relay: rejected connection: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed for %s: %v", subject, err)
		return
	}

	conn := &Conn{
		ID:        uuid.New().String(),
		Identity:  subject,
		NetConn:   netConn,
		CreatedAt: time.Now(),
	}
	conn.Touch()

	session := newSession(conn, s.registry, s.bus, s.filter,
		[]string{events.TopicTyping, events.TopicReceipts},
		s.config.WriteTimeout, s.config.SendBuffer, s.dropSession)

	s.mu.Lock()
	s.sessions[conn.ID] = session
	s.mu.Unlock()

	if err := session.Start(); err != nil {
		log.Printf("relay: session start failed for %s: %v", subject, err)
		s.dropSession(session)
		return
	}

	log.Printf("relay: new connection id=%s identity=%s (total=%d)",
		conn.ID, subject, s.registry.Count())
}

// dropSession removes a session from the server's table. Invoked from
// Session.Close and from failed starts.
func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.conn.ID)
	s.mu.Unlock()
}

// allSessions returns a snapshot safe to iterate without the lock.
func (s *Server) allSessions() []*Session {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	return sessions
}

// heartbeatLoop periodically pings every connection and closes those
// with no inbound activity within interval + timeout. The client's pong
// (or any other frame) refreshes the activity clock in the read loop.
func (s *Server) heartbeatLoop() {
	if s.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
			now := time.Now()
			for _, sess := range s.allSessions() {
				if now.Sub(sess.conn.LastActive()) > deadline {
					log.Printf("relay: heartbeat timeout id=%s last_activity=%s ago",
						sess.conn.ID, now.Sub(sess.conn.LastActive()).Round(time.Second))
					sess.Close()
					continue
				}
				if err := sess.conn.WritePing(); err != nil {
					log.Printf("relay: heartbeat ping failed id=%s: %v", sess.conn.ID, err)
					sess.Close()
				}
			}
		}
	}
}

// Shutdown closes every active session and waits, up to the configured
// grace period, for them to unregister.
func (s *Server) Shutdown() {
	log.Printf("relay: shutting down, closing %d sessions", len(s.allSessions()))
	close(s.done)

	for _, sess := range s.allSessions() {
		sess.Close()
	}

	waitUntil := time.Now().Add(s.config.ShutdownGrace)
	for s.registry.Count() > 0 && time.Now().Before(waitUntil) {
		time.Sleep(50 * time.Millisecond)
	}
	log.Printf("relay: server stopped (remaining=%d)", s.registry.Count())
}
