package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"commhub/internal/domain"
	"commhub/internal/fingerprint"
)

type Options struct {
	CheckContentHash    bool
	CheckSimilarContent bool
	TimeWindow          time.Duration
	SimilarityThreshold float64
	CandidateLimit      int
}

func DefaultOptions() Options {
	return Options{
		CheckContentHash:    true,
		CheckSimilarContent: true,
		TimeWindow:          60 * time.Minute,
		SimilarityThreshold: 0.85,
		CandidateLimit:      50,
	}
}

type Config struct {
	Store  domain.Store
	Logger *slog.Logger
}

// Deduplicator holds no state beyond its store and is safe for concurrent use.
type Deduplicator struct {
	store  domain.Store
	logger *slog.Logger
}

func New(cfg Config) *Deduplicator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deduplicator{store: cfg.Store, logger: cfg.Logger}
}

// CheckForDuplicate evaluates the provider-ID, content-hash and similarity
// signals in that order.
func (d *Deduplicator) CheckForDuplicate(ctx context.Context, msg domain.NormalizedMessage, opts Options) (domain.DuplicateCheckResult, error) {
	res, err := d.EnsureIdempotency(ctx, msg.ProviderID, msg.ProviderMessageID)
	if err != nil || res.IsDuplicate {
		return res, err
	}
	if !opts.CheckContentHash {
		return domain.NotDuplicate(), nil
	}

	opts = withDefaults(opts)
	candidates, err := d.recentForPair(ctx, msg, opts)
	if err != nil {
		return domain.NotDuplicate(), err
	}

	mediaOnly := msg.BodyText() == "" && len(msg.Attachments) > 0
	for _, c := range candidates {
		if c.MessageHash != "" && c.MessageHash == msg.MessageHash {
			// Captionless media all hash alike; only the same files repeat.
			if mediaOnly && !sameMedia(msg.Attachments, c.Attachments) {
				continue
			}
			d.logger.Debug("content hash duplicate",
				"provider", msg.ProviderID, "message_id", c.ID, "age", msg.Timestamp.Sub(c.Timestamp))
			return domain.DuplicateCheckResult{
				IsDuplicate:       true,
				DuplicateType:     domain.DuplicateContentHash,
				Confidence:        1.0,
				ExistingMessageID: c.ID,
			}, nil
		}
	}

	if !opts.CheckSimilarContent {
		return domain.NotDuplicate(), nil
	}
	if best, score := mostSimilar(msg, candidates); best != nil && score >= opts.SimilarityThreshold {
		d.logger.Debug("similar content duplicate",
			"provider", msg.ProviderID, "message_id", best.ID, "score", score)
		return domain.DuplicateCheckResult{
			IsDuplicate:       true,
			DuplicateType:     domain.DuplicateSimilarContent,
			Confidence:        score,
			ExistingMessageID: best.ID,
		}, nil
	}
	return domain.NotDuplicate(), nil
}

// EnsureIdempotency is the narrow "already stored?" check used right before
// a write: provider ID only.
func (d *Deduplicator) EnsureIdempotency(ctx context.Context, providerID, providerMessageID string) (domain.DuplicateCheckResult, error) {
	if providerMessageID == "" {
		return domain.NotDuplicate(), nil
	}
	existing, err := d.store.FindMessageByProviderID(ctx, providerID, providerMessageID)
	if err != nil {
		return domain.NotDuplicate(), fmt.Errorf("find message by provider id: %w", err)
	}
	if existing == nil {
		return domain.NotDuplicate(), nil
	}
	return domain.DuplicateCheckResult{
		IsDuplicate:       true,
		DuplicateType:     domain.DuplicateProviderID,
		Confidence:        1.0,
		ExistingMessageID: existing.ID,
	}, nil
}

// recentForPair loads stored messages of the same pair whose timestamp lies
// within the window on either side of msg.
func (d *Deduplicator) recentForPair(ctx context.Context, msg domain.NormalizedMessage, opts Options) ([]domain.StoredMessage, error) {
	msgs, err := d.store.FindMessagesByPair(ctx, domain.PairQuery{
		ProviderID: msg.ProviderID,
		Channel:    msg.Channel,
		From:       msg.From.NormalizedValue,
		To:         msg.To.NormalizedValue,
		Since:      msg.Timestamp.Add(-opts.TimeWindow),
		Limit:      opts.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("find messages by pair: %w", err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if withinWindow(m.Timestamp, msg.Timestamp, opts.TimeWindow) {
			out = append(out, m)
		}
	}
	return out, nil
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// sameMedia reports whether a and b reference the same files in order, by
// provider media handle or, lacking one, by URL.
func sameMedia(a, b []domain.Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ka, kb := mediaKey(a[i]), mediaKey(b[i])
		if ka == "" || ka != kb {
			return false
		}
	}
	return true
}

func mediaKey(a domain.Attachment) string {
	if a.MediaID != "" {
		return a.MediaID
	}
	return a.URL
}

// mostSimilar compares normalized bodies of candidates sharing msg's content
// type. Messages without text never match.
func mostSimilar(msg domain.NormalizedMessage, candidates []domain.StoredMessage) (*domain.StoredMessage, float64) {
	text := fingerprint.SimilarityText(msg.BodyText())
	if text == "" {
		return nil, 0
	}
	var (
		best  *domain.StoredMessage
		score float64
	)
	for i := range candidates {
		c := &candidates[i]
		if c.ContentType != msg.ContentType {
			continue
		}
		other := fingerprint.SimilarityText(c.Body)
		if other == "" {
			continue
		}
		if s := fingerprint.Similarity(text, other); s > score {
			best, score = c, s
		}
	}
	return best, score
}

func withDefaults(o Options) Options {
	def := DefaultOptions()
	if o.TimeWindow <= 0 {
		o.TimeWindow = def.TimeWindow
	}
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		o.SimilarityThreshold = def.SimilarityThreshold
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = def.CandidateLimit
	}
	return o
}
