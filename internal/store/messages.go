package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

const messageColumns = `id, provider_id, provider_message_id, channel, direction, from_value, to_value,
	body, content_type, message_hash, thread_key, customer_id, conversation_id,
	attachments, provider_meta, ts, created_at`

func (s *SQLStore) CreateMessage(ctx context.Context, m domain.StoredMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	atts, err := encodeJSON(nonNilAttachments(m.Attachments))
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	meta, err := encodeJSON(nonNilMeta(m.ProviderMeta))
	if err != nil {
		return "", fmt.Errorf("encode provider meta: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.ProviderMessageID, string(m.Channel), string(m.Direction),
		m.FromValue, m.ToValue, m.Body, string(m.ContentType), m.MessageHash, m.ThreadKey,
		m.CustomerID, m.ConversationID, atts, meta, toNanos(m.Timestamp), toNanos(m.CreatedAt),
	)
	if isUniqueViolation(err) {
		return "", domain.ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return m.ID, nil
}

func (s *SQLStore) FindMessageByProviderID(ctx context.Context, providerID, providerMessageID string) (*domain.StoredMessage, error) {
	row := s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE provider_id = ? AND provider_message_id = ?`, providerID, providerMessageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by provider id: %w", err)
	}
	return &m, nil
}

func (s *SQLStore) FindMessagesByPair(ctx context.Context, q domain.PairQuery) ([]domain.StoredMessage, error) {
	var (
		where = []string{"channel = ?", "LOWER(from_value) = ?", "LOWER(to_value) = ?"}
		args  = []any{string(q.Channel), strings.ToLower(q.From), strings.ToLower(q.To)}
	)
	if q.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, q.ProviderID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toNanos(q.Since))
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY ts DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.StoredMessage, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (domain.StoredMessage, error) {
	var (
		m                               domain.StoredMessage
		channel, direction, contentType string
		atts, meta                      string
		ts, created                     int64
	)
	err := sc.Scan(&m.ID, &m.ProviderID, &m.ProviderMessageID, &channel, &direction,
		&m.FromValue, &m.ToValue, &m.Body, &contentType, &m.MessageHash, &m.ThreadKey,
		&m.CustomerID, &m.ConversationID, &atts, &meta, &ts, &created)
	if err != nil {
		return m, err
	}
	m.Channel = domain.Channel(channel)
	m.Direction = domain.Direction(direction)
	m.ContentType = domain.ContentType(contentType)
	m.Timestamp = fromNanos(ts)
	m.CreatedAt = fromNanos(created)
	if err := decodeJSON(atts, &m.Attachments); err != nil {
		return m, fmt.Errorf("decode attachments: %w", err)
	}
	if err := decodeJSON(meta, &m.ProviderMeta); err != nil {
		return m, fmt.Errorf("decode provider meta: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if len(m.ProviderMeta) == 0 {
		m.ProviderMeta = nil
	}
	return m, nil
}

func nonNilAttachments(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
