package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

// Options control how a message is attached to a conversation.
type Options struct {
	CreateIfMissing       bool
	PreferExistingThreads bool
	RecentWindow          time.Duration // how far back "recently active" reaches
	RelatedLimit          int           // 0 disables related message lookup
}

func DefaultOptions() Options {
	return Options{
		CreateIfMissing:       true,
		PreferExistingThreads: true,
		RecentWindow:          24 * time.Hour,
		RelatedLimit:          10,
	}
}

type GrouperConfig struct {
	Store  domain.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Grouper assigns messages to conversations. It holds no state beyond its
// collaborators and is safe for concurrent use.
type Grouper struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewGrouper(cfg GrouperConfig) *Grouper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Grouper{store: cfg.Store, logger: cfg.Logger, now: cfg.Now}
}

// GroupIntoConversation finds or creates the conversation for msg. When
// creation is disabled and nothing matches, the result has no ConversationID.
func (g *Grouper) GroupIntoConversation(ctx context.Context, msg domain.NormalizedMessage, customerID string, opts Options) (domain.ThreadingResult, error) {
	res := domain.ThreadingResult{ThreadKey: msg.ThreadKey}
	if msg.ThreadKey == "" {
		return res, errors.New("message has no thread key")
	}

	conv, err := g.store.FindConversationByThreadKey(ctx, msg.ThreadKey)
	if err != nil {
		return res, fmt.Errorf("find conversation by thread key: %w", err)
	}

	if conv == nil && opts.PreferExistingThreads {
		window := opts.RecentWindow
		if window <= 0 {
			window = DefaultOptions().RecentWindow
		}
		parties := domain.ConversationParties{
			Channel:      msg.Channel,
			CustomerID:   customerID,
			Participants: Participants(msg),
		}
		conv, err = g.store.FindRecentConversation(ctx, parties, referenceTime(msg, g.now).Add(-window))
		if err != nil {
			return res, fmt.Errorf("find recent conversation: %w", err)
		}
		if conv != nil {
			g.logger.Debug("joined recently active conversation",
				"conversation_id", conv.ID, "thread_key", msg.ThreadKey, "conversation_thread_key", conv.ThreadKey)
		}
	}

	if conv != nil {
		res.ConversationID = conv.ID
		res.RelatedMessages = g.related(ctx, conv.ID, opts.RelatedLimit)
		return res, nil
	}

	if !opts.CreateIfMissing {
		return res, nil
	}

	created, err := g.store.CreateConversation(ctx, domain.Conversation{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		Channel:       msg.Channel,
		ThreadKey:     msg.ThreadKey,
		Participants:  Participants(msg),
		Status:        domain.ConversationActive,
		Tags:          MessageTags(msg),
		LastMessageAt: msg.Timestamp,
		CreatedAt:     g.now(),
	})
	if errors.Is(err, domain.ErrConflict) {
		// Lost a creation race on the thread key; join the winner.
		existing, ferr := g.store.FindConversationByThreadKey(ctx, msg.ThreadKey)
		if ferr != nil || existing == nil {
			return res, fmt.Errorf("conversation conflict on %s: %w", msg.ThreadKey, err)
		}
		res.ConversationID = existing.ID
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("create conversation: %w", err)
	}

	g.logger.Info("conversation created",
		"conversation_id", created.ID, "channel", msg.Channel, "thread_key", msg.ThreadKey)
	res.ConversationID = created.ID
	res.IsNewConversation = true
	return res, nil
}

// UpdateConversationActivity bumps lastMessageAt and unions newTags into the
// conversation's tag set.
func (g *Grouper) UpdateConversationActivity(ctx context.Context, conversationID string, ts time.Time, newTags []string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	return g.store.UpdateConversationActivity(ctx, conversationID, ts, UnionTags(nil, newTags))
}

// ArchiveInactiveConversations archives active conversations whose last
// message is older than olderThanHours.
func (g *Grouper) ArchiveInactiveConversations(ctx context.Context, olderThanHours int) (int, error) {
	if olderThanHours <= 0 {
		return 0, fmt.Errorf("olderThanHours must be positive, got %d", olderThanHours)
	}
	before := g.now().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := g.store.ArchiveConversations(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("archive conversations: %w", err)
	}
	g.logger.Info("archived inactive conversations", "count", n, "before", before)
	return n, nil
}

// MessageTags are the tags a message contributes to its conversation.
func MessageTags(m domain.NormalizedMessage) []string {
	return []string{
		"channel:" + string(m.Channel),
		"direction:" + string(m.Direction),
		"content:" + string(m.ContentType),
	}
}

// UnionTags returns existing plus any new tags not already present,
// preserving first-seen order.
func UnionTags(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	for _, t := range slices.Concat(existing, add) {
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (g *Grouper) related(ctx context.Context, conversationID string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	msgs, err := g.store.ListConversationMessages(ctx, conversationID, limit)
	if err != nil {
		g.logger.Warn("related message lookup failed", "conversation_id", conversationID, "err", err)
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func referenceTime(m domain.NormalizedMessage, now func() time.Time) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return now()
}
