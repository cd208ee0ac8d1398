package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Users manages durable user records.
type Users struct {
	db *sql.DB
}

// NewUsers creates a user store backed by the given database handle.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// UpdateLastSeen overwrites the user's durable last-seen timestamp. A
// missing user row is not an error: the heartbeat that triggered this
// write must not fail because onboarding has not created the row yet.
func (u *Users) UpdateLastSeen(ctx context.Context, email string, t time.Time) error {
	_, err := u.db.ExecContext(ctx,
		`UPDATE users SET last_seen = $2 WHERE email = $1`, email, t.UTC())
	if err != nil {
		return fmt.Errorf("store: update last_seen for %s: %w", email, err)
	}
	return nil
}
