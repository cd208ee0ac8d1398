// Package presence implements the ephemeral presence/typing model and the
// service that turns heartbeat, typing, and receipt calls into store
// writes and bus publications. State lives in Redis as plain keys with
// independent expiry:
//
//	Key:   presence:<identity>              Value: "online"   TTL: 60s
//	Key:   last_seen:<identity>             Value: RFC3339    TTL: none
//	Key:   typing:<conversation>:<identity> Value: "1"        TTL: 5s
//
// Absence of a presence key means offline; there is no explicit offline
// write. The last-seen key survives presence expiry, so "seen long ago"
// and "never seen" both read as offline but only the latter has no
// timestamp.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for online-presence flags.
	PresencePrefix = "presence:"

	// LastSeenPrefix is the Redis key prefix for last-seen timestamps.
	LastSeenPrefix = "last_seen:"

	// TypingPrefix is the Redis key prefix for typing flags.
	TypingPrefix = "typing:"

	// PresenceTTL is how long a heartbeat keeps an identity online.
	PresenceTTL = 60 * time.Second

	// TypingTTL is how long a typing flag lives without a refresh.
	TypingTTL = 5 * time.Second

	onlineMarker = "online"
	typingMarker = "1"
)

// Store manages presence and typing state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store connected to Redis at addr and
// verifies the connection.
func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests and by
// callers that share one client across stores.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// MarkOnline refreshes the presence flag TTL and overwrites the last-seen
// timestamp in a single pipeline. Last write wins when the same identity
// heartbeats from several devices.
func (s *Store) MarkOnline(ctx context.Context, identity string, now time.Time) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, PresencePrefix+identity, onlineMarker, PresenceTTL)
	pipe.Set(ctx, LastSeenPrefix+identity, now.UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mark online %s: %w", identity, err)
	}
	return nil
}

// GetPresence reads the presence flag and last-seen timestamp for an
// identity. The two reads are independent: either may be absent without
// error. A missing or unparsable last-seen value yields a nil timestamp.
func (s *Store) GetPresence(ctx context.Context, identity string) (online bool, lastSeen *time.Time, err error) {
	val, err := s.client.Get(ctx, PresencePrefix+identity).Result()
	switch {
	case errors.Is(err, redis.Nil):
		online = false
	case err != nil:
		return false, nil, fmt.Errorf("presence: get presence %s: %w", identity, err)
	default:
		online = val == onlineMarker
	}

	raw, err := s.client.Get(ctx, LastSeenPrefix+identity).Result()
	if errors.Is(err, redis.Nil) {
		return online, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("presence: get last_seen %s: %w", identity, err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
		return online, &ts, nil
	}
	return online, nil, nil
}

// SetTyping writes the typing flag for (conversation, identity) with a
// fresh TTL. The client must call again before expiry to remain typing.
func (s *Store) SetTyping(ctx context.Context, conversationID, identity string) error {
	key := TypingPrefix + conversationID + ":" + identity
	if err := s.client.Set(ctx, key, typingMarker, TypingTTL).Err(); err != nil {
		return fmt.Errorf("presence: set typing %s: %w", key, err)
	}
	return nil
}

// ClearTyping deletes the typing flag immediately rather than waiting for
// expiry, so peers see the stop promptly.
func (s *Store) ClearTyping(ctx context.Context, conversationID, identity string) error {
	key := TypingPrefix + conversationID + ":" + identity
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("presence: clear typing %s: %w", key, err)
	}
	return nil
}

// IsTyping reports whether the typing flag currently exists. Used by
// tests and diagnostics; live typing state reaches clients via bus
// events, not via this read.
func (s *Store) IsTyping(ctx context.Context, conversationID, identity string) (bool, error) {
	key := TypingPrefix + conversationID + ":" + identity
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("presence: typing exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
