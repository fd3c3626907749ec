package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"happyinline/cmd/identity/ids"
)

// PostgresStore is a Backend over the messages, conversations and profiles tables.
//
// PostgresStore does NOT own the pgx pool; the caller closes it. Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Backend.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

var _ Backend = (*PostgresStore)(nil)

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the tables and indexes the store needs when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")
	profiles := pgIdent(s.schema, "profiles")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + profiles + ` (
		   id         TEXT PRIMARY KEY,
		   name       TEXT NOT NULL DEFAULT '',
		   push_token TEXT,
		   created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`,
		`CREATE TABLE IF NOT EXISTS ` + conversations + ` (
		   id               TEXT PRIMARY KEY,
		   participant_1_id TEXT NOT NULL,
		   participant_2_id TEXT NOT NULL,
		   shop_id          TEXT,
		   last_message_at  TIMESTAMPTZ,
		   created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		   CONSTRAINT chk_conversations_distinct CHECK (participant_1_id <> participant_2_id)
		 )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_pair ON ` + conversations +
			` (participant_1_id, participant_2_id, (COALESCE(shop_id, '')))`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		   id              TEXT PRIMARY KEY,
		   conversation_id TEXT NOT NULL REFERENCES ` + conversations + `(id) ON DELETE CASCADE,
		   sender_id       TEXT NOT NULL,
		   content         TEXT NOT NULL,
		   is_read         BOOLEAN NOT NULL DEFAULT false,
		   created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON ` + messages +
			` (conversation_id, created_at DESC, id DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("messaging: migrate: %w", err)
		}
	}
	return nil
}

// AppendMessage inserts a message and bumps the conversation's last_message_at in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "messaging.PostgresStore.AppendMessage"
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return Message{}, invalid(op, "conversation_id and sender_id are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		  WHERE id = $1`,
		in.ConversationID, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, notFound(op, "conversation "+in.ConversationID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, is_read, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		id, in.ConversationID, in.SenderID, in.Content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}, nil
}

// FetchRecent returns up to limit messages ordered by created_at DESC.
func (s *PostgresStore) FetchRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, invalid("messaging.PostgresStore.FetchRecent", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, defaultRecentLimit, maxRecentLimit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, is_read, created_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Participants returns the participant pair of a conversation.
func (s *PostgresStore) Participants(ctx context.Context, conversationID string) (Participants, error) {
	const op = "messaging.PostgresStore.Participants"

	var (
		p    Participants
		shop *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT participant_1_id, participant_2_id, shop_id
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1`,
		conversationID,
	).Scan(&p.First, &p.Second, &shop)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participants{}, notFound(op, "conversation "+conversationID)
	}
	if err != nil {
		return Participants{}, err
	}
	if shop != nil {
		p.ShopID = *shop
	}
	return p, nil
}

// DisplayName returns the profile name of userID.
func (s *PostgresStore) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM `+pgIdent(s.schema, "profiles")+` WHERE id = $1`,
		userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound("messaging.PostgresStore.DisplayName", "profile "+userID)
	}
	return name, err
}

// PushToken returns the registered push token of userID ("" when none).
func (s *PostgresStore) PushToken(ctx context.Context, userID string) (string, error) {
	var tok *string
	err := s.pool.QueryRow(ctx,
		`SELECT push_token FROM `+pgIdent(s.schema, "profiles")+` WHERE id = $1`,
		userID,
	).Scan(&tok)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound("messaging.PostgresStore.PushToken", "profile "+userID)
	}
	if err != nil || tok == nil {
		return "", err
	}
	return *tok, nil
}

// GetOrCreateConversation returns the conversation between two users (per shop), creating it if needed.
// Participants are stored in lexical order so either side finds the same row.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, userA, userB string, shopID *string) (Conversation, error) {
	const op = "messaging.PostgresStore.GetOrCreateConversation"
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, invalid(op, "two distinct participants are required")
	}
	if userB < userA {
		userA, userB = userB, userA
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_1_id, participant_2_id, shop_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		id, userA, userB, shopID, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, participant_1_id, participant_2_id, shop_id, last_message_at, created_at
		   FROM `+conversations+`
		  WHERE participant_1_id = $1 AND participant_2_id = $2
		    AND COALESCE(shop_id, '') = COALESCE($3, '')`,
		userA, userB, shopID,
	)
	return scanConversation(row)
}

// ListConversations returns the user's conversations, most recent activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("messaging.PostgresStore.ListConversations", "missing user_id")
	}
	limit = ClampLimit(limit, defaultConversationLimit, maxConversationLimit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_1_id, participant_2_id, shop_id, last_message_at, created_at
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE participant_1_id = $1 OR participant_2_id = $1
		  ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRead marks every message in the conversation not sent by readerID as read.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "messaging.PostgresStore.MarkRead"
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(readerID) == "" {
		return 0, invalid(op, "conversation_id and reader_id are required")
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1)`,
		conversationID,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, notFound(op, "conversation "+conversationID)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET is_read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UnreadCount counts unread messages addressed to userID across all conversations.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalid("messaging.PostgresStore.UnreadCount", "missing user_id")
	}

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+pgIdent(s.schema, "messages")+` m
		   JOIN `+pgIdent(s.schema, "conversations")+` c ON c.id = m.conversation_id
		  WHERE (c.participant_1_id = $1 OR c.participant_2_id = $1)
		    AND m.sender_id <> $1
		    AND NOT m.is_read`,
		userID,
	).Scan(&n)
	return n, err
}

// PutProfile upserts a profile row.
func (s *PostgresStore) PutProfile(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid("messaging.PostgresStore.PutProfile", "missing id")
	}
	var tok *string
	if p.PushToken != "" {
		tok = &p.PushToken
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "profiles")+` (id, name, push_token)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, push_token = EXCLUDED.push_token`,
		p.ID, p.Name, tok,
	)
	return err
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.Participant1, &c.Participant2, &c.ShopID, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.LastMessageAt != nil {
		ts := c.LastMessageAt.UTC()
		c.LastMessageAt = &ts
	}
	return c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
