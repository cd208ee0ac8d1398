package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mailchat/backend/internal/events"
	"github.com/mailchat/backend/internal/metrics"
)

// ErrInvalidStatus is returned when a receipt status is not one of the
// accepted values.
var ErrInvalidStatus = errors.New("presence: invalid receipt status")

// Publisher publishes an event payload to a bus topic.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// UserStore is the durable collaborator holding the users table. Only the
// best-effort last-seen write is needed here.
type UserStore interface {
	UpdateLastSeen(ctx context.Context, email string, t time.Time) error
}

// MessageStore is the durable collaborator holding message receipt
// status. Updates are batched by identifier list; zero affected rows is
// not an error.
type MessageStore interface {
	UpdateStatus(ctx context.Context, messageIDs []string, status string) (int64, error)
}

// Service translates heartbeat, typing, and receipt calls into ephemeral
// store writes and bus publications.
type Service struct {
	store    *Store
	bus      Publisher
	users    UserStore
	messages MessageStore
}

// NewService wires the presence service to its collaborators.
func NewService(store *Store, bus Publisher, users UserStore, messages MessageStore) *Service {
	return &Service{store: store, bus: bus, users: users, messages: messages}
}

// Heartbeat marks the identity online with a refreshed TTL and overwrites
// its last-seen timestamp, then best-effort updates the durable last-seen
// record. A durable-store failure is logged and ignored: presence is
// defined authoritatively by the ephemeral store. Returns the server
// timestamp recorded for this heartbeat.
func (s *Service) Heartbeat(ctx context.Context, identity string) (time.Time, error) {
	now := time.Now().UTC()
	if err := s.store.MarkOnline(ctx, identity, now); err != nil {
		return time.Time{}, err
	}

	if s.users != nil {
		if err := s.users.UpdateLastSeen(ctx, identity, now); err != nil {
			log.Printf("presence: durable last_seen update for %s failed: %v", identity, err)
		}
	}

	metrics.HeartbeatsTotal.Inc()
	return now, nil
}

// LastSeen reports whether the identity is currently online and its most
// recent heartbeat timestamp. Both facts are independent: a long-expired
// presence flag still reads the old timestamp, and an identity never seen
// reads online=false with a nil timestamp. Neither absence is an error.
func (s *Service) LastSeen(ctx context.Context, identity string) (bool, *time.Time, error) {
	return s.store.GetPresence(ctx, identity)
}

// SetTyping records that the identity started or stopped typing in a
// conversation. Starting writes the typing flag with a fresh TTL;
// stopping deletes it immediately. A typing event is always published
// afterwards, even when the flag write changed nothing: the event is the
// source of truth for immediate UI feedback, the TTL flag only a
// fallback for crash recovery.
func (s *Service) SetTyping(ctx context.Context, conversationID, identity string, typing bool) error {
	var err error
	if typing {
		err = s.store.SetTyping(ctx, conversationID, identity)
	} else {
		err = s.store.ClearTyping(ctx, conversationID, identity)
	}
	if err != nil {
		return err
	}

	return s.publish(events.TopicTyping, events.TypingEvent{
		ConversationID: conversationID,
		User:           identity,
		Typing:         typing,
	})
}

// MarkReceipts applies a batched delivery/read status update to the
// durable message store, then publishes a receipts event carrying the
// same conversation, identifier list, and status. The publish happens
// even when zero rows changed: receipt updates are idempotent no-ops at
// worst, and this service does not enforce per-message monotonicity.
func (s *Service) MarkReceipts(ctx context.Context, conversationID string, messageIDs []string, status string) error {
	if !events.ValidReceiptStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if _, err := s.messages.UpdateStatus(ctx, messageIDs, status); err != nil {
		return fmt.Errorf("presence: mark receipts: %w", err)
	}

	return s.publish(events.TopicReceipts, events.ReceiptsEvent{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		Status:         status,
	})
}

// publish marshals and publishes an event. A bus failure surfaces to the
// caller rather than being dropped, since a silent drop would
// desynchronize peers.
func (s *Service) publish(topic string, event interface{}) error {
	data, err := events.Marshal(event)
	if err != nil {
		return fmt.Errorf("presence: marshal %s event: %w", topic, err)
	}
	if err := s.bus.Publish(topic, data); err != nil {
		return err
	}
	metrics.BusPublishesTotal.WithLabelValues(topic).Inc()
	return nil
}
