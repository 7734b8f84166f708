// Package normalize maps provider-specific webhook payloads onto
// domain.NormalizedMessage. Each provider type registers one Normalizer.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"commhub/internal/domain"
	"commhub/internal/fingerprint"
	"commhub/internal/threading"
)

// ErrInvalidPayload wraps every failure to extract a mandatory field.
var ErrInvalidPayload = errors.New("invalid payload")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Normalizer converts one raw delivery into the canonical message shape.
type Normalizer interface {
	Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error)
}

// NormalizerFunc adapts a plain function to Normalizer.
type NormalizerFunc func(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error)

func (f NormalizerFunc) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	return f(ctx, raw)
}

// Registry is the providerType -> Normalizer dispatch table.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[string]Normalizer)}
}

// Register adds or replaces the normalizer for providerType.
func (r *Registry) Register(providerType string, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[strings.ToLower(providerType)] = n
}

func (r *Registry) Lookup(providerType string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[strings.ToLower(providerType)]
	return n, ok
}

// Types lists registered provider types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.normalizers))
	for k := range r.normalizers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Config is shared by the built-in normalizers.
type Config struct {
	DefaultCountryCode string        // applied to bare 10-digit numbers, default "1"
	Media              MediaResolver // optional
	MediaTimeout       time.Duration // per attachment, default 5s
	TelegramBotName    string        // business-side handle for telegram traffic
	Logger             *slog.Logger
}

// Provider type tags of the built-in normalizers.
const (
	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsapp"
	ProviderEmail    = "email"
	ProviderTelegram = "telegram"
	ProviderSlack    = "slack"
)

// NewDefaultRegistry registers every built-in normalizer.
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	b := newBase(cfg)
	email, err := newEmail(b)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	r.Register(ProviderTwilio, &Twilio{base: b})
	r.Register(ProviderWhatsApp, &WhatsApp{base: b})
	r.Register(ProviderEmail, email)
	r.Register(ProviderTelegram, &Telegram{base: b, botName: cfg.TelegramBotName})
	r.Register(ProviderSlack, &Slack{base: b})
	return r, nil
}

type base struct {
	countryCode  string
	media        MediaResolver
	mediaTimeout time.Duration
	logger       *slog.Logger
}

func newBase(cfg Config) base {
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "1"
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return base{
		countryCode:  strings.TrimPrefix(cfg.DefaultCountryCode, "+"),
		media:        cfg.Media,
		mediaTimeout: cfg.MediaTimeout,
		logger:       cfg.Logger,
	}
}

// finish derives the thread key and content hash once every other field is set.
func (b base) finish(m *domain.NormalizedMessage, native string) {
	m.ThreadKey = threading.GenerateThreadKey(m.Channel, m.From.NormalizedValue, m.To.NormalizedValue, native)
	m.MessageHash = fingerprint.ForMessage(*m)
}

// resolveAttachments fills in URLs for attachments that only carry a provider
// media handle. Failures and timeouts leave the URL empty.
func (b base) resolveAttachments(ctx context.Context, providerID string, atts []domain.Attachment) []domain.Attachment {
	if b.media == nil {
		return atts
	}
	for i := range atts {
		if atts[i].URL != "" || atts[i].MediaID == "" {
			continue
		}
		url, err := b.resolveOne(ctx, providerID, atts[i].MediaID)
		if err != nil {
			b.logger.Warn("media resolution failed",
				"provider", providerID, "media_id", atts[i].MediaID, "err", err)
			continue
		}
		atts[i].URL = url
	}
	return atts
}

func (b base) resolveOne(ctx context.Context, providerID, mediaID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.mediaTimeout)
	defer cancel()
	return b.media.ResolveMedia(ctx, providerID, mediaID)
}

// UnresolvedAttachments counts attachments left without a URL.
func UnresolvedAttachments(m domain.NormalizedMessage) int {
	n := 0
	for _, a := range m.Attachments {
		if a.URL == "" {
			n++
		}
	}
	return n
}

// firstText returns a pointer to the first non-blank value, or nil.
func firstText(values ...string) *string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return domain.StringPtr(v)
		}
	}
	return nil
}

func locationSummary(lat, lng float64, name string) string {
	s := fmt.Sprintf("Location: %.6f,%.6f", lat, lng)
	if name = strings.TrimSpace(name); name != "" {
		s += " (" + name + ")"
	}
	return s
}

// contentTypeForMime classifies an attachment by its MIME type.
func contentTypeForMime(mime string) domain.ContentType {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.ContentImage
	case strings.HasPrefix(mime, "audio/"):
		return domain.ContentAudio
	case strings.HasPrefix(mime, "video/"):
		return domain.ContentVideo
	default:
		return domain.ContentDocument
	}
}

// classify picks the message content type: text wins when there is a text
// body, otherwise the first attachment's type.
func classify(hasText bool, atts []domain.Attachment) domain.ContentType {
	if hasText || len(atts) == 0 {
		return domain.ContentText
	}
	return atts[0].Type
}

// receivedTime stands in for a missing provider timestamp. It reports false
// in the same position the parsers report a provider-supplied time.
func receivedTime(raw domain.RawProviderMessage) (time.Time, bool) {
	if raw.ReceivedAt.IsZero() {
		return time.Now().UTC(), false
	}
	return raw.ReceivedAt.UTC(), false
}
