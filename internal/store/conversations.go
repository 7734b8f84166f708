package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

const conversationColumns = `id, customer_id, channel, thread_key, participants, status, tags, last_message_at, created_at`

func (s *SQLStore) FindConversationByThreadKey(ctx context.Context, threadKey string) (*domain.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE thread_key = ?`, threadKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation by thread key: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) FindRecentConversation(ctx context.Context, parties domain.ConversationParties, since time.Time) (*domain.Conversation, error) {
	participants, err := encodeJSON(nonNilStrings(parties.Participants))
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE status = ? AND channel = ? AND participants = ? AND last_message_at >= ?`
	args := []any{string(domain.ConversationActive), string(parties.Channel), participants, toNanos(since)}
	if parties.CustomerID != "" {
		query += ` AND (customer_id = '' OR customer_id = ?)`
		args = append(args, parties.CustomerID)
	}
	query += ` ORDER BY last_message_at DESC LIMIT 1`

	c, err := scanConversation(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recent conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	participants, err := encodeJSON(nonNilStrings(conv.Participants))
	if err != nil {
		return nil, err
	}
	tags, err := encodeJSON(nonNilStrings(conv.Tags))
	if err != nil {
		return nil, err
	}
	_, err = s.exec(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.CustomerID, string(conv.Channel), conv.ThreadKey, participants, string(conv.Status),
		tags, toNanos(conv.LastMessageAt), toNanos(conv.CreatedAt))
	if isUniqueViolation(err) {
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLStore) UpdateConversationActivity(ctx context.Context, conversationID string, lastMessageAt time.Time, tags []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			last    int64
			rawTags string
		)
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT last_message_at, tags FROM conversations WHERE id = ?`+s.dialect.forUpdate()), conversationID).
			Scan(&last, &rawTags)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		var current []string
		if err := decodeJSON(rawTags, &current); err != nil {
			return fmt.Errorf("decode tags: %w", err)
		}
		for _, t := range tags {
			if t != "" && !slices.Contains(current, t) {
				current = append(current, t)
			}
		}
		encoded, err := encodeJSON(nonNilStrings(current))
		if err != nil {
			return err
		}
		if ns := toNanos(lastMessageAt); ns > last {
			last = ns
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE conversations SET last_message_at = ?, tags = ?, status = ? WHERE id = ?`),
			last, encoded, string(domain.ConversationActive), conversationID)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ArchiveConversations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.exec(ctx, `UPDATE conversations SET status = ? WHERE status = ? AND last_message_at < ?`,
		string(domain.ConversationArchived), string(domain.ConversationActive), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("archive conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive conversations: %w", err)
	}
	return int(n), nil
}

// Conversation loads one conversation by ID.
func (s *SQLStore) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func scanConversation(sc scanner) (domain.Conversation, error) {
	var (
		c                        domain.Conversation
		channel, status          string
		participants, tags       string
		lastMessageAt, createdAt int64
	)
	if err := sc.Scan(&c.ID, &c.CustomerID, &channel, &c.ThreadKey, &participants, &status, &tags, &lastMessageAt, &createdAt); err != nil {
		return c, err
	}
	c.Channel = domain.Channel(channel)
	c.Status = domain.ConversationStatus(status)
	c.LastMessageAt = fromNanos(lastMessageAt)
	c.CreatedAt = fromNanos(createdAt)
	if err := decodeJSON(participants, &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants: %w", err)
	}
	if err := decodeJSON(tags, &c.Tags); err != nil {
		return c, fmt.Errorf("decode tags: %w", err)
	}
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	return c, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
