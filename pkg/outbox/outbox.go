// Package outbox is a durable client-side queue for writes composed while
// offline. Entries survive restarts and are replayed in enqueue order once a
// connection is back.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// State is an entry's position in the replay lifecycle.
type State string

const (
	// StateQueued means waiting to be sent.
	StateQueued State = "queued"
	// StateInFlight means handed to the reconciler, awaiting an ack.
	StateInFlight State = "in_flight"
	// StateFailed means rejected permanently; kept for the user to inspect.
	StateFailed State = "failed"
)

// ErrEmpty is returned by Next when nothing is queued.
var ErrEmpty = errors.New("outbox empty")

// Entry is one deferred operation. Token snapshots the credential the entry
// was composed under, so a replay after re-login can detect it belongs to a
// different account.
type Entry struct {
	ID         int64
	ChannelID  string
	Token      string
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
	State      State
	Reason     string
}

// Queue is a SQLite-backed outbox. Safe for concurrent use; SQLite serializes
// writers underneath.
type Queue struct {
	db *sql.DB
}

// Open opens or creates the outbox database at path. Entries left in_flight
// by a crash are requeued: the send may or may not have landed, and the
// reconciler's dedup check sorts that out on replay.
func Open(ctx context.Context, path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening outbox db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL,
			token       TEXT NOT NULL DEFAULT '',
			payload     BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL DEFAULT 'queued',
			reason      TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating outbox table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE outbox SET state = ? WHERE state = ?`,
		StateQueued, StateInFlight); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeueing in-flight entries: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends an operation for channelID, snapshotting the credential it
// was composed under.
func (q *Queue) Enqueue(ctx context.Context, channelID, token string, payload []byte) (Entry, error) {
	now := time.Now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO outbox (channel_id, token, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		channelID, token, payload, now.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("enqueueing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:         id,
		ChannelID:  channelID,
		Token:      token,
		Payload:    payload,
		EnqueuedAt: now,
		State:      StateQueued,
	}, nil
}

// Next claims the oldest queued entry, moving it to in_flight. Returns
// ErrEmpty when the queue has nothing to send.
func (q *Queue) Next(ctx context.Context) (Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, channel_id, token, payload, enqueued_at, attempts
		 FROM outbox WHERE state = ? ORDER BY id LIMIT 1`, StateQueued)

	var e Entry
	var enqueuedAt int64
	err := row.Scan(&e.ID, &e.ChannelID, &e.Token, &e.Payload, &enqueuedAt, &e.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEmpty
	}
	if err != nil {
		return Entry{}, fmt.Errorf("claiming entry: %w", err)
	}
	e.EnqueuedAt = time.UnixMilli(enqueuedAt)
	e.State = StateInFlight

	if _, err := q.db.ExecContext(ctx,
		`UPDATE outbox SET state = ?, attempts = attempts + 1 WHERE id = ?`,
		StateInFlight, e.ID); err != nil {
		return Entry{}, fmt.Errorf("marking in flight: %w", err)
	}
	e.Attempts++
	return e, nil
}

// Ack removes an acknowledged entry.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// Requeue puts an in-flight entry back for a later retry.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE outbox SET state = ? WHERE id = ?`, StateQueued, id)
	return err
}

// MarkFailed parks an entry as permanently rejected, recording why.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE outbox SET state = ?, reason = ? WHERE id = ?`,
		StateFailed, reason, id)
	return err
}

// Pending counts entries still waiting to be delivered.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE state IN (?, ?)`,
		StateQueued, StateInFlight).Scan(&n)
	return n, err
}

// Failed lists permanently rejected entries, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, channel_id, token, payload, enqueued_at, attempts, reason
		 FROM outbox WHERE state = ? ORDER BY id`, StateFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var enqueuedAt int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Token, &e.Payload, &enqueuedAt, &e.Attempts, &e.Reason); err != nil {
			return nil, err
		}
		e.EnqueuedAt = time.UnixMilli(enqueuedAt)
		e.State = StateFailed
		out = append(out, e)
	}
	return out, rows.Err()
}

// Discard drops a failed entry after the user has given up on it.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ? AND state = ?`, id, StateFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no failed entry with id %d", id)
	}
	return nil
}
