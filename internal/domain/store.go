package domain

import (
	"context"
	"time"
)

// Store is the persistence collaborator the ingestion core depends on.
// Implementations own their write serialization; one identity per
// (type, value) must be enforced by the backend and reported as ErrConflict.
type Store interface {
	FindMessageByProviderID(ctx context.Context, providerID, providerMessageID string) (*StoredMessage, error)
	FindMessagesByPair(ctx context.Context, q PairQuery) ([]StoredMessage, error)
	CreateMessage(ctx context.Context, msg StoredMessage) (string, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)

	FindIdentity(ctx context.Context, idType ContactType, value string) (*Identity, error)
	FindIdentityCandidates(ctx context.Context, idType ContactType, fragment string, limit int) ([]Identity, error)
	CreateIdentityAndCustomer(ctx context.Context, customer Customer, identity Identity) (*Customer, *Identity, error)
	LinkIdentity(ctx context.Context, customerID string, identity Identity) (*Identity, error)

	FindConversationByThreadKey(ctx context.Context, threadKey string) (*Conversation, error)
	FindRecentConversation(ctx context.Context, parties ConversationParties, since time.Time) (*Conversation, error)
	CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error)
	UpdateConversationActivity(ctx context.Context, conversationID string, lastMessageAt time.Time, tags []string) error
	ArchiveConversations(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// StoredMessage is a persisted NormalizedMessage plus its links.
type StoredMessage struct {
	ID                string            `json:"id"`
	ProviderID        string            `json:"provider_id"`
	ProviderMessageID string            `json:"provider_message_id"`
	Channel           Channel           `json:"channel"`
	Direction         Direction         `json:"direction"`
	FromValue         string            `json:"from_value"`
	ToValue           string            `json:"to_value"`
	Body              string            `json:"body"`
	ContentType       ContentType       `json:"content_type"`
	MessageHash       string            `json:"message_hash"`
	ThreadKey         string            `json:"thread_key"`
	CustomerID        string            `json:"customer_id,omitempty"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	ProviderMeta      map[string]string `json:"provider_meta,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PairQuery selects messages exchanged between one sender and one recipient.
type PairQuery struct {
	ProviderID string
	Channel    Channel
	From       string
	To         string
	Since      time.Time
	Limit      int
}

type Customer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Identity struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Type       ContactType `json:"type"`
	Value      string      `json:"value"`     // normalized, lower-cased
	RawValue   string      `json:"raw_value"` // as first seen
	Provider   string      `json:"provider,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

type Conversation struct {
	ID            string             `json:"id"`
	CustomerID    string             `json:"customer_id,omitempty"`
	Channel       Channel            `json:"channel"`
	ThreadKey     string             `json:"thread_key"`
	Participants  []string           `json:"participants"` // sorted normalized contact values
	Status        ConversationStatus `json:"status"`
	Tags          []string           `json:"tags,omitempty"`
	LastMessageAt time.Time          `json:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ConversationParties identifies the two sides of a conversation on a channel.
// Participants must be sorted so lookups are direction-independent.
type ConversationParties struct {
	Channel      Channel
	CustomerID   string
	Participants []string
}

// StoreStats summarizes record counts for operators.
type StoreStats struct {
	Messages            int `json:"messages"`
	Customers           int `json:"customers"`
	Identities          int `json:"identities"`
	Conversations       int `json:"conversations"`
	ActiveConversations int `json:"active_conversations"`
}

// StoredFrom builds the persisted form of a normalized message.
func StoredFrom(m NormalizedMessage, customerID, conversationID string) StoredMessage {
	c := m.Clone()
	return StoredMessage{
		ProviderID:        c.ProviderID,
		ProviderMessageID: c.ProviderMessageID,
		Channel:           c.Channel,
		Direction:         c.Direction,
		FromValue:         c.From.NormalizedValue,
		ToValue:           c.To.NormalizedValue,
		Body:              c.BodyText(),
		ContentType:       c.ContentType,
		MessageHash:       c.MessageHash,
		ThreadKey:         c.ThreadKey,
		CustomerID:        customerID,
		ConversationID:    conversationID,
		Attachments:       c.Attachments,
		ProviderMeta:      c.ProviderMeta,
		Timestamp:         c.Timestamp,
	}
}
