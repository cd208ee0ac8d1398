package relay

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mailchat/backend/internal/metrics"
)

// EventBus is the subscription side of the cross-instance bus as seen by
// a relay session. Unsubscribe must take effect immediately without
// waiting for a future delivery.
type EventBus interface {
	SubscribeEvents(sessionID string, topics []string, handler func(topic string, data []byte)) error
	UnsubscribeEvents(sessionID string) error
}

// DeliveryFilter decides whether a connection should receive an event.
// The default filter always says yes: every event on a subscribed topic
// is forwarded to every local connection regardless of which conversation
// it concerns, and filtering by relevance is the client's job. That
// deliberately trades server-side scoping for a simpler fan-out path and
// leaks events about conversations the client is not part of; a
// hardening pass can inject a membership-aware filter here without
// touching the session loop.
type DeliveryFilter func(conn *Conn, topic string, payload []byte) bool

type event struct {
	topic string
	data  []byte
}

// Session is the control loop of one relay connection: it registers the
// connection, subscribes it to the bus topics, forwards bus events to the
// socket, and tears everything down on the first of remote close, send
// failure, or server shutdown.
type Session struct {
	conn         *Conn
	registry     *Registry
	bus          EventBus
	filter       DeliveryFilter
	topics       []string
	writeTimeout time.Duration

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(conn *Conn, registry *Registry, bus EventBus, filter DeliveryFilter, topics []string, writeTimeout time.Duration, buffer int, onClose func(*Session)) *Session {
	return &Session{
		conn:         conn,
		registry:     registry,
		bus:          bus,
		filter:       filter,
		topics:       topics,
		writeTimeout: writeTimeout,
		events:       make(chan event, buffer),
		done:         make(chan struct{}),
		onClose:      onClose,
	}
}

// Start registers the connection and subscribes it to the bus, then
// launches the inbound reader and outbound forwarder goroutines. If the
// subscription fails the connection is never observed as active.
func (s *Session) Start() error {
	s.registry.Register(s.conn.Identity, s.conn)

	if err := s.bus.SubscribeEvents(s.conn.ID, s.topics, s.deliver); err != nil {
		s.registry.Unregister(s.conn.Identity, s.conn)
		_ = s.conn.Close()
		return err
	}

	metrics.ConnectionsActive.Inc()

	go s.forwardLoop()
	go s.readLoop()
	return nil
}

// deliver is invoked by the bus for each event on a subscribed topic. It
// hands the event to the forwarder goroutine. A consumer whose buffer is
// full can no longer keep up and is indistinguishable from a dead
// connection, so the session fails closed instead of skipping events.
func (s *Session) deliver(topic string, data []byte) {
	if s.filter != nil && !s.filter(s.conn, topic, data) {
		return
	}
	select {
	case s.events <- event{topic: topic, data: data}:
	case <-s.done:
	default:
		log.Printf("relay: session %s event buffer full, closing", s.conn.ID)
		metrics.ForwardErrorsTotal.Inc()
		s.Close()
	}
}

// forwardLoop writes bus events to the socket in the order the bus
// delivered them. A write failure ends the session.
func (s *Session) forwardLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if s.writeTimeout > 0 {
				_ = s.conn.NetConn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			err := s.conn.WriteMessage(ev.data)
			_ = s.conn.NetConn.SetWriteDeadline(time.Time{})
			if err != nil {
				log.Printf("relay: session %s write failed: %v", s.conn.ID, err)
				metrics.ForwardErrorsTotal.Inc()
				s.Close()
				return
			}
			metrics.EventsForwardedTotal.WithLabelValues(ev.topic).Inc()
		}
	}
}

// readLoop blocks on inbound frames. The relay channel is push-only, so
// every data frame is treated as a no-op keepalive; pings are answered
// under the connection's write mutex so pongs never interleave with
// forwarded frames. Remote close or any read error ends the session.
func (s *Session) readLoop() {
	rd := wsutil.Reader{
		Source:    s.conn.NetConn,
		State:     ws.StateServerSide,
		CheckUTF8: false,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.Close()
			return
		}

		// Any frame proves the connection is alive.
		s.conn.Touch()

		switch hdr.OpCode {
		case ws.OpClose:
			s.Close()
			return
		case ws.OpPing:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(&rd, payload); err != nil {
				s.Close()
				return
			}
			if err := s.conn.WritePong(payload); err != nil {
				s.Close()
				return
			}
		default:
			// Data frames and pongs carry no semantic content here.
			if err := rd.Discard(); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close tears the session down: it cancels the forwarder, unsubscribes
// from the bus, unregisters the connection, and closes the socket. It is
// idempotent, so the reader and forwarder may both invoke it when they
// fail at the same time.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		if err := s.bus.UnsubscribeEvents(s.conn.ID); err != nil {
			log.Printf("relay: session %s unsubscribe failed: %v", s.conn.ID, err)
		}
		s.registry.Unregister(s.conn.Identity, s.conn)
		_ = s.conn.Close()

		metrics.ConnectionsActive.Dec()
		if s.onClose != nil {
			s.onClose(s)
		}
		log.Printf("relay: connection closed id=%s identity=%s", s.conn.ID, s.conn.Identity)
	})
}
