package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailchat/backend/internal/events"
)

type published struct {
	topic string
	data  []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(topic string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.events = append(p.events, published{topic: topic, data: data})
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type fakeUsers struct {
	err   error
	calls int
	last  time.Time
}

func (u *fakeUsers) UpdateLastSeen(_ context.Context, _ string, t time.Time) error {
	u.calls++
	u.last = t
	return u.err
}

type fakeMessages struct {
	lastIDs    []string
	lastStatus string
	rows       int64
	err        error
	calls      int
}

func (m *fakeMessages) UpdateStatus(_ context.Context, ids []string, status string) (int64, error) {
	m.calls++
	m.lastIDs = ids
	m.lastStatus = status
	return m.rows, m.err
}

// lazyStore builds a Store whose Redis client is never used. Tests of
// paths that do not touch the ephemeral store can run without Redis.
func lazyStore() *Store {
	return NewStoreWithClient(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
}

func TestHeartbeatReportsOnlineWithTimestamp(t *testing.T) {
	store := newTestStore(t)
	bus := &fakePublisher{}
	users := &fakeUsers{}
	svc := NewService(store, bus, users, &fakeMessages{})
	ctx := context.Background()

	now, err := svc.Heartbeat(ctx, "test_alice")
	if err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}

	online, lastSeen, err := svc.LastSeen(ctx, "test_alice")
	if err != nil {
		t.Fatalf("LastSeen() error: %v", err)
	}
	if !online {
		t.Error("expected online=true after heartbeat")
	}
	if lastSeen == nil || !lastSeen.Equal(now) {
		t.Errorf("last_seen = %v, want heartbeat timestamp %v", lastSeen, now)
	}
	if users.calls != 1 || !users.last.Equal(now) {
		t.Errorf("durable last_seen update: calls=%d last=%v, want 1 call with %v",
			users.calls, users.last, now)
	}
}

func TestHeartbeatIgnoresDurableStoreFailure(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, &fakePublisher{}, &fakeUsers{err: errors.New("db down")}, &fakeMessages{})

	if _, err := svc.Heartbeat(context.Background(), "test_alice"); err != nil {
		t.Errorf("Heartbeat() must not fail on durable store error, got %v", err)
	}
}

func TestSetTypingPublishesBothTransitions(t *testing.T) {
	store := newTestStore(t)
	bus := &fakePublisher{}
	svc := NewService(store, bus, &fakeUsers{}, &fakeMessages{})
	ctx := context.Background()

	if err := svc.SetTyping(ctx, "test_conv", "alice", true); err != nil {
		t.Fatalf("SetTyping(true) error: %v", err)
	}
	if err := svc.SetTyping(ctx, "test_conv", "alice", false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}

	// The stop deletes the flag immediately.
	typing, err := store.IsTyping(ctx, "test_conv", "alice")
	if err != nil {
		t.Fatalf("IsTyping() error: %v", err)
	}
	if typing {
		t.Error("expected typing flag removed after stop")
	}

	got := bus.all()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	for i, want := range []bool{true, false} {
		if got[i].topic != events.TopicTyping {
			t.Errorf("event %d topic = %q, want %q", i, got[i].topic, events.TopicTyping)
		}
		var ev events.TypingEvent
		if err := json.Unmarshal(got[i].data, &ev); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		if ev.ConversationID != "test_conv" || ev.User != "alice" || ev.Typing != want {
			t.Errorf("event %d = %+v, want conv=test_conv user=alice typing=%v", i, ev, want)
		}
	}
}

func TestSetTypingStopWithoutStartStillPublishes(t *testing.T) {
	store := newTestStore(t)
	bus := &fakePublisher{}
	svc := NewService(store, bus, &fakeUsers{}, &fakeMessages{})

	if err := svc.SetTyping(context.Background(), "test_conv", "alice", false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}
	if got := len(bus.all()); got != 1 {
		t.Errorf("published %d events, want 1 (publish is unconditional)", got)
	}
}

func TestMarkReceiptsBatchesAndPublishes(t *testing.T) {
	bus := &fakePublisher{}
	messages := &fakeMessages{rows: 2}
	svc := NewService(lazyStore(), bus, &fakeUsers{}, messages)

	err := svc.MarkReceipts(context.Background(), "c1", []string{"m1", "m2"}, events.StatusDelivered)
	if err != nil {
		t.Fatalf("MarkReceipts() error: %v", err)
	}

	if messages.calls != 1 || messages.lastStatus != events.StatusDelivered {
		t.Errorf("message store: calls=%d status=%q, want 1 delivered update",
			messages.calls, messages.lastStatus)
	}
	if len(messages.lastIDs) != 2 {
		t.Errorf("batched IDs = %v, want [m1 m2]", messages.lastIDs)
	}

	got := bus.all()
	if len(got) != 1 || got[0].topic != events.TopicReceipts {
		t.Fatalf("published = %v, want one receipts event", got)
	}
	var ev events.ReceiptsEvent
	if err := json.Unmarshal(got[0].data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ConversationID != "c1" || ev.Status != events.StatusDelivered ||
		len(ev.MessageIDs) != 2 || ev.MessageIDs[0] != "m1" || ev.MessageIDs[1] != "m2" {
		t.Errorf("event = %+v, want literal payload for c1/[m1 m2]/delivered", ev)
	}
}

func TestMarkReceiptsPublishesOnZeroRows(t *testing.T) {
	bus := &fakePublisher{}
	svc := NewService(lazyStore(), bus, &fakeUsers{}, &fakeMessages{rows: 0})

	err := svc.MarkReceipts(context.Background(), "c1", []string{"m1"}, events.StatusRead)
	if err != nil {
		t.Fatalf("MarkReceipts() error: %v", err)
	}
	if got := len(bus.all()); got != 1 {
		t.Errorf("published %d events, want 1 even for a no-op update", got)
	}
}

func TestMarkReceiptsRejectsInvalidStatus(t *testing.T) {
	bus := &fakePublisher{}
	messages := &fakeMessages{}
	svc := NewService(lazyStore(), bus, &fakeUsers{}, messages)

	err := svc.MarkReceipts(context.Background(), "c1", []string{"m1"}, "seen")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if messages.calls != 0 {
		t.Error("message store must not be called for an invalid status")
	}
	if len(bus.all()) != 0 {
		t.Error("nothing must be published for an invalid status")
	}
}

func TestMarkReceiptsSurfacesStoreFailure(t *testing.T) {
	bus := &fakePublisher{}
	svc := NewService(lazyStore(), bus, &fakeUsers{}, &fakeMessages{err: errors.New("db down")})

	err := svc.MarkReceipts(context.Background(), "c1", []string{"m1"}, events.StatusRead)
	if err == nil {
		t.Fatal("expected error from failing message store")
	}
	if len(bus.all()) != 0 {
		t.Error("nothing must be published when the durable update fails")
	}
}

func TestMarkReceiptsSurfacesPublishFailure(t *testing.T) {
	svc := NewService(lazyStore(), &fakePublisher{err: errors.New("bus down")}, &fakeUsers{}, &fakeMessages{})

	err := svc.MarkReceipts(context.Background(), "c1", []string{"m1"}, events.StatusRead)
	if err == nil {
		t.Fatal("expected error from failing publisher")
	}
}
