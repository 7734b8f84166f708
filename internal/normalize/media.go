package normalize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MediaResolver turns a provider media handle into a fetchable URL.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, providerID, mediaID string) (string, error)
}

// ResolverFunc adapts a function to MediaResolver.
type ResolverFunc func(ctx context.Context, providerID, mediaID string) (string, error)

func (f ResolverFunc) ResolveMedia(ctx context.Context, providerID, mediaID string) (string, error) {
	return f(ctx, providerID, mediaID)
}

// ErrNoResolver is returned by ProviderResolvers for providers without an entry.
var ErrNoResolver = errors.New("no media resolver for provider")

// ProviderResolvers dispatches by provider ID.
type ProviderResolvers map[string]MediaResolver

func (p ProviderResolvers) ResolveMedia(ctx context.Context, providerID, mediaID string) (string, error) {
	r, ok := p[providerID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoResolver, providerID)
	}
	return r.ResolveMedia(ctx, providerID, mediaID)
}

// TemplateResolver builds URLs from a template containing {provider} and
// {id} placeholders, e.g. "https://media.example.com/{provider}/{id}".
type TemplateResolver struct {
	Template string
}

func (t TemplateResolver) ResolveMedia(ctx context.Context, providerID, mediaID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.Template == "" {
		return "", errors.New("media url template is empty")
	}
	r := strings.NewReplacer(
		"{provider}", url.PathEscape(providerID),
		"{id}", url.PathEscape(mediaID),
	)
	return r.Replace(t.Template), nil
}

// TelegramFileGetter is the part of *tgbotapi.BotAPI the resolver needs.
type TelegramFileGetter interface {
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramResolver resolves Bot API file IDs through getFile. The Bot API
// client has no context support, so the call runs in a goroutine and is
// abandoned when ctx expires.
type TelegramResolver struct {
	Bot TelegramFileGetter
}

func (t TelegramResolver) ResolveMedia(ctx context.Context, _ string, fileID string) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := t.Bot.GetFileDirectURL(fileID)
		ch <- result{u, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("telegram getFile %s: %w", fileID, r.err)
		}
		return r.url, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
