package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         BIGINT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	author_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	reply_to   BIGINT,
	attachments JSONB,
	pinned     BOOLEAN NOT NULL DEFAULT FALSE,
	edited_at  BIGINT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id);

CREATE TABLE IF NOT EXISTS message_reactions (
	channel_id TEXT NOT NULL,
	message_id BIGINT NOT NULL,
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	PRIMARY KEY (channel_id, message_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS read_states (
	user_id       TEXT NOT NULL,
	channel_id    TEXT NOT NULL,
	last_read_id  BIGINT NOT NULL DEFAULT 0,
	mention_count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, channel_id)
);

CREATE TABLE IF NOT EXISTS users (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS server_members (
	server_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (server_id, user_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id        TEXT PRIMARY KEY,
	server_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_members (
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);
`

// pgStore implements MessageStore, ReadStateStore, and MembershipResolver on
// Postgres. Membership tables are written by the CRUD plane; this side only
// reads them.
type pgStore struct {
	db *sql.DB
}

func openPGStore(ctx context.Context, dsn string) (*pgStore, error) {
	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL)); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering db metrics: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &pgStore{db: db}, nil
}

func (s *pgStore) Close() error { return s.db.Close() }

func (s *pgStore) Create(ctx context.Context, m *wire.Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	var replyTo sql.NullInt64
	if m.ReplyTo != 0 {
		replyTo = sql.NullInt64{Int64: int64(m.ReplyTo), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, reply_to, attachments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(m.ID), m.ChannelID, m.AuthorID, m.Content, replyTo, attachments, m.CreatedAt)
	return err
}

func (s *pgStore) Get(ctx context.Context, channelID string, id msgid.ID) (*wire.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, author_id, content, reply_to, attachments, pinned, edited_at, created_at
		 FROM messages WHERE channel_id = $1 AND id = $2`,
		channelID, int64(id))

	var m wire.Message
	var rawID int64
	var replyTo, editedAt sql.NullInt64
	var attachments []byte
	err := row.Scan(&rawID, &m.ChannelID, &m.AuthorID, &m.Content, &replyTo, &attachments, &m.Pinned, &editedAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ID = msgid.ID(rawID)
	if replyTo.Valid {
		m.ReplyTo = msgid.ID(replyTo.Int64)
	}
	if editedAt.Valid {
		m.EditedAt = editedAt.Int64
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *pgStore) List(ctx context.Context, channelID string, before msgid.ID, limit int) ([]*wire.Message, error) {
	cursor := int64(before)
	if before == 0 {
		cursor = int64(^uint64(0) >> 1)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author_id, content, reply_to, attachments, pinned, edited_at, created_at
		 FROM messages WHERE channel_id = $1 AND id < $2
		 ORDER BY id DESC LIMIT $3`,
		channelID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*wire.Message
	for rows.Next() {
		var m wire.Message
		var rawID int64
		var replyTo, editedAt sql.NullInt64
		var attachments []byte
		if err := rows.Scan(&rawID, &m.ChannelID, &m.AuthorID, &m.Content, &replyTo, &attachments, &m.Pinned, &editedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ID = msgid.ID(rawID)
		if replyTo.Valid {
			m.ReplyTo = msgid.ID(replyTo.Int64)
		}
		if editedAt.Valid {
			m.EditedAt = editedAt.Int64
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *pgStore) Update(ctx context.Context, m *wire.Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = $1, edited_at = $2, pinned = $3
		 WHERE channel_id = $4 AND id = $5`,
		m.Content, m.EditedAt, m.Pinned, m.ChannelID, int64(m.ID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, channelID string, id msgid.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel_id = $1 AND id = $2`,
		channelID, int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE channel_id = $1 AND message_id = $2`,
		channelID, int64(id))
	return err
}

func (s *pgStore) AddReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE channel_id = $1 AND id = $2)`,
		channelID, int64(id)).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (channel_id, message_id, user_id, emoji)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		channelID, int64(id), userID, emoji)
	return err
}

func (s *pgStore) RemoveReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions
		 WHERE channel_id = $1 AND message_id = $2 AND user_id = $3 AND emoji = $4`,
		channelID, int64(id), userID, emoji)
	return err
}

// Advance moves the read cursor forward atomically in one upsert: the WHERE
// clause makes regressions no-ops, and rows affected tells us which case hit.
func (s *pgStore) Advance(ctx context.Context, userID, channelID string, id msgid.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO read_states (user_id, channel_id, last_read_id, mention_count)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, channel_id) DO UPDATE
		   SET last_read_id = EXCLUDED.last_read_id, mention_count = 0
		   WHERE read_states.last_read_id < EXCLUDED.last_read_id`,
		userID, channelID, int64(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *pgStore) Cursor(ctx context.Context, userID, channelID string) (wire.ReadState, error) {
	rs := wire.ReadState{ChannelID: channelID}
	var lastRead int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_id, mention_count FROM read_states
		 WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID).Scan(&lastRead, &rs.MentionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, nil
	}
	if err != nil {
		return rs, err
	}
	rs.LastReadID = msgid.ID(lastRead)
	return rs, nil
}

func (s *pgStore) IncrementMention(ctx context.Context, userID, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_states (user_id, channel_id, last_read_id, mention_count)
		 VALUES ($1, $2, 0, 1)
		 ON CONFLICT (user_id, channel_id) DO UPDATE
		   SET mention_count = read_states.mention_count + 1`,
		userID, channelID)
	return err
}

func (s *pgStore) CanAccess(ctx context.Context, userID, room string) (bool, error) {
	kind, id, err := wire.ParseRoom(room)
	if err != nil {
		return false, err
	}
	switch kind {
	case wire.RoomUser:
		return id == userID, nil
	case wire.RoomServer:
		var ok bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2)`,
			id, userID).Scan(&ok)
		return ok, err
	case wire.RoomChannel:
		var ok bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
			id, userID).Scan(&ok)
		return ok, err
	}
	return false, nil
}

func (s *pgStore) CanModerate(ctx context.Context, userID, channelID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM server_members sm
			JOIN channels c ON c.server_id = sm.server_id
			WHERE c.id = $1 AND sm.user_id = $2 AND sm.role IN ('owner', 'admin')
		)`,
		channelID, userID).Scan(&ok)
	return ok, err
}

func (s *pgStore) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	rooms := []string{wire.UserRoom(userID)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id FROM server_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, wire.ServerRoom(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chRows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM channel_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer chRows.Close()
	for chRows.Next() {
		var id string
		if err := chRows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, wire.ChannelRoom(id))
	}
	return rooms, chRows.Err()
}

func (s *pgStore) FollowerRooms(ctx context.Context, userID string) ([]string, error) {
	rooms := []string{wire.UserRoom(userID)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id FROM server_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, wire.ServerRoom(id))
	}
	return rooms, rows.Err()
}

func (s *pgStore) UserIDByName(ctx context.Context, username string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *pgStore) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
