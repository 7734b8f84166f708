// Package memstore is an in-process domain.Store used by tests and by the
// "memory" store driver. It enforces the same uniqueness rules as the SQL store.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

type Store struct {
	mu            sync.RWMutex
	messages      map[string]domain.StoredMessage
	byProviderID  map[string]string // providerID\x00providerMessageID -> message id
	customers     map[string]domain.Customer
	identities    map[string]domain.Identity // id -> identity
	identityIndex map[string]string          // type\x00lower(value) -> identity id
	conversations map[string]domain.Conversation
	byThreadKey   map[string]string
}

func New() *Store {
	return &Store{
		messages:      make(map[string]domain.StoredMessage),
		byProviderID:  make(map[string]string),
		customers:     make(map[string]domain.Customer),
		identities:    make(map[string]domain.Identity),
		identityIndex: make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		byThreadKey:   make(map[string]string),
	}
}

var _ domain.Store = (*Store)(nil)

func providerKey(providerID, providerMessageID string) string {
	return providerID + "\x00" + providerMessageID
}

func identityKey(t domain.ContactType, value string) string {
	return string(t) + "\x00" + strings.ToLower(strings.TrimSpace(value))
}

func (s *Store) FindMessageByProviderID(ctx context.Context, providerID, providerMessageID string) (*domain.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProviderID[providerKey(providerID, providerMessageID)]
	if !ok {
		return nil, nil
	}
	m := cloneMessage(s.messages[id])
	return &m, nil
}

func (s *Store) FindMessagesByPair(ctx context.Context, q domain.PairQuery) ([]domain.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StoredMessage
	for _, m := range s.messages {
		if q.ProviderID != "" && m.ProviderID != q.ProviderID {
			continue
		}
		if m.Channel != q.Channel || !strings.EqualFold(m.FromValue, q.From) || !strings.EqualFold(m.ToValue, q.To) {
			continue
		}
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sortNewestFirst(out)
	return limitMessages(out, q.Limit), nil
}

func (s *Store) CreateMessage(ctx context.Context, msg domain.StoredMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerKey(msg.ProviderID, msg.ProviderMessageID)
	if _, exists := s.byProviderID[key]; exists && msg.ProviderMessageID != "" {
		return "", domain.ErrConflict
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ID] = cloneMessage(msg)
	if msg.ProviderMessageID != "" {
		s.byProviderID[key] = msg.ID
	}
	return msg.ID, nil
}

func (s *Store) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StoredMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, cloneMessage(m))
		}
	}
	sortNewestFirst(out)
	return limitMessages(out, limit), nil
}

func (s *Store) FindIdentity(ctx context.Context, idType domain.ContactType, value string) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identityIndex[identityKey(idType, value)]
	if !ok {
		return nil, nil
	}
	ident := s.identities[id]
	return &ident, nil
}

func (s *Store) FindIdentityCandidates(ctx context.Context, idType domain.ContactType, fragment string, limit int) ([]domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fragment = strings.ToLower(fragment)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Identity
	for _, ident := range s.identities {
		if ident.Type != idType {
			continue
		}
		if fragment != "" &&
			!strings.Contains(strings.ToLower(ident.Value), fragment) &&
			!strings.Contains(strings.ToLower(ident.RawValue), fragment) {
			continue
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateIdentityAndCustomer(ctx context.Context, customer domain.Customer, identity domain.Identity) (*domain.Customer, *domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identityKey(identity.Type, identity.Value)
	if _, exists := s.identityIndex[key]; exists {
		return nil, nil, domain.ErrConflict
	}
	now := time.Now()
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.Metadata = maps.Clone(customer.Metadata)
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.CustomerID = customer.ID
	s.customers[customer.ID] = customer
	s.identities[identity.ID] = identity
	s.identityIndex[key] = identity.ID
	return &customer, &identity, nil
}

func (s *Store) LinkIdentity(ctx context.Context, customerID string, identity domain.Identity) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[customerID]; !ok {
		return nil, domain.ErrNotFound
	}
	key := identityKey(identity.Type, identity.Value)
	if id, exists := s.identityIndex[key]; exists {
		existing := s.identities[id]
		if existing.CustomerID == customerID {
			return &existing, nil
		}
		return nil, domain.ErrConflict
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	identity.CustomerID = customerID
	s.identities[identity.ID] = identity
	s.identityIndex[key] = identity.ID
	return &identity, nil
}

func (s *Store) FindConversationByThreadKey(ctx context.Context, threadKey string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byThreadKey[threadKey]
	if !ok {
		return nil, nil
	}
	c := cloneConversation(s.conversations[id])
	return &c, nil
}

func (s *Store) FindRecentConversation(ctx context.Context, parties domain.ConversationParties, since time.Time) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Conversation
	for _, c := range s.conversations {
		if c.Status != domain.ConversationActive || c.Channel != parties.Channel {
			continue
		}
		if c.LastMessageAt.Before(since) || !slices.Equal(c.Participants, parties.Participants) {
			continue
		}
		if parties.CustomerID != "" && c.CustomerID != "" && c.CustomerID != parties.CustomerID {
			continue
		}
		if best == nil || c.LastMessageAt.After(best.LastMessageAt) {
			cc := cloneConversation(c)
			best = &cc
		}
	}
	return best, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byThreadKey[conv.ThreadKey]; exists {
		return nil, domain.ErrConflict
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv = cloneConversation(conv)
	s.conversations[conv.ID] = conv
	s.byThreadKey[conv.ThreadKey] = conv.ID
	out := cloneConversation(conv)
	return &out, nil
}

func (s *Store) UpdateConversationActivity(ctx context.Context, conversationID string, lastMessageAt time.Time, tags []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return domain.ErrNotFound
	}
	if lastMessageAt.After(c.LastMessageAt) {
		c.LastMessageAt = lastMessageAt
	}
	for _, t := range tags {
		if t != "" && !slices.Contains(c.Tags, t) {
			c.Tags = append(c.Tags, t)
		}
	}
	c.Status = domain.ConversationActive
	s.conversations[conversationID] = c
	return nil
}

func (s *Store) ArchiveConversations(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.conversations {
		if c.Status == domain.ConversationActive && c.LastMessageAt.Before(before) {
			c.Status = domain.ConversationArchived
			s.conversations[id] = c
			n++
		}
	}
	return n, nil
}

// Conversation returns a snapshot of one conversation, for assertions.
func (s *Store) Conversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return cloneConversation(c), ok
}

// Customer returns a snapshot of one customer, for assertions.
func (s *Store) Customer(id string) (domain.Customer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	return c, ok
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CustomerCount returns the number of stored customers.
func (s *Store) CustomerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.customers)
}

func (s *Store) Stats(ctx context.Context) (domain.StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoreStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := domain.StoreStats{
		Messages:      len(s.messages),
		Customers:     len(s.customers),
		Identities:    len(s.identities),
		Conversations: len(s.conversations),
	}
	for _, c := range s.conversations {
		if c.Status == domain.ConversationActive {
			st.ActiveConversations++
		}
	}
	return st, nil
}

func (s *Store) Close() error { return nil }

func cloneMessage(m domain.StoredMessage) domain.StoredMessage {
	m.Attachments = slices.Clone(m.Attachments)
	m.ProviderMeta = maps.Clone(m.ProviderMeta)
	return m
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Tags = slices.Clone(c.Tags)
	return c
}

func sortNewestFirst(msgs []domain.StoredMessage) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
}

func limitMessages(msgs []domain.StoredMessage, limit int) []domain.StoredMessage {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
