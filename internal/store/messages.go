package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Messages manages durable message records.
type Messages struct {
	db *sql.DB
}

// NewMessages creates a message store backed by the given database handle.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

// UpdateStatus sets the receipt status for a batch of messages and
// returns the number of rows changed. Zero rows is not an error; receipt
// updates are idempotent and unknown identifiers are simply skipped.
// No monotonicity is enforced: a delivered write after read is applied
// as-is.
func (m *Messages) UpdateStatus(ctx context.Context, messageIDs []string, status string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	res, err := m.db.ExecContext(ctx,
		`UPDATE messages SET status = $1 WHERE id = ANY($2::uuid[])`,
		status, pq.Array(messageIDs))
	if err != nil {
		return 0, fmt.Errorf("store: update message status: %w", err)
	}
	return res.RowsAffected()
}
