package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
)

func phone(v string) domain.Contact {
	return domain.Contact{NormalizedValue: v, RawValue: v, Type: domain.ContactPhone}
}

func TestMessageHash_Stable(t *testing.T) {
	a := MessageHash(domain.ChannelSMS, phone("+12345678901"), phone("+10987654321"), "Hi", domain.ContentText)
	b := MessageHash(domain.ChannelSMS, phone("+12345678901"), phone("+10987654321"), "Hi", domain.ContentText)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestMessageHash_ChangesWithEveryField(t *testing.T) {
	base := MessageHash(domain.ChannelSMS, phone("+1"), phone("+2"), "Hi", domain.ContentText)

	variants := map[string]string{
		"channel":      MessageHash(domain.ChannelWhatsApp, phone("+1"), phone("+2"), "Hi", domain.ContentText),
		"from":         MessageHash(domain.ChannelSMS, phone("+3"), phone("+2"), "Hi", domain.ContentText),
		"to":           MessageHash(domain.ChannelSMS, phone("+1"), phone("+3"), "Hi", domain.ContentText),
		"body":         MessageHash(domain.ChannelSMS, phone("+1"), phone("+2"), "Hello", domain.ContentText),
		"content_type": MessageHash(domain.ChannelSMS, phone("+1"), phone("+2"), "Hi", domain.ContentImage),
		"swapped":      MessageHash(domain.ChannelSMS, phone("+2"), phone("+1"), "Hi", domain.ContentText),
	}
	for name, h := range variants {
		assert.NotEqual(t, base, h, name)
	}
}

func TestMessageHash_ContactCaseInsensitive(t *testing.T) {
	a := domain.Contact{NormalizedValue: "Sarah@Example.com", Type: domain.ContactEmail}
	b := domain.Contact{NormalizedValue: "sarah@example.com", Type: domain.ContactEmail}
	assert.Equal(t,
		MessageHash(domain.ChannelEmail, a, phone("x"), "body", domain.ContentText),
		MessageHash(domain.ChannelEmail, b, phone("x"), "body", domain.ContentText))
}

func TestForMessage_MatchesMessageHash(t *testing.T) {
	m := domain.NormalizedMessage{
		Channel:     domain.ChannelSMS,
		From:        phone("+1"),
		To:          phone("+2"),
		Body:        domain.StringPtr("  Hi  "),
		ContentType: domain.ContentText,
	}
	assert.Equal(t, MessageHash(domain.ChannelSMS, phone("+1"), phone("+2"), "Hi", domain.ContentText), ForMessage(m))
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	k1 := IdempotencyKey("twilio-main", "SM-001", ts)
	k2 := IdempotencyKey("twilio-main", "SM-001", ts.In(time.FixedZone("X", 3600)))
	require.Equal(t, k1, k2, "key must not depend on the timestamp's location")
	assert.NotEqual(t, k1, IdempotencyKey("twilio-main", "SM-002", ts))
	assert.NotEqual(t, k1, IdempotencyKey("twilio-alt", "SM-001", ts))
	assert.NotEqual(t, k1, MessageHash(domain.ChannelSMS, phone("twilio-main"), phone("SM-001"), "", ""))
}

func TestSimilarityText(t *testing.T) {
	assert.Equal(t, "hello there how are you", SimilarityText("  Hello,   there!\nHow are you?? "))
	assert.Equal(t, "", SimilarityText("!!!"))
}

func TestShort(t *testing.T) {
	assert.Len(t, Short("subject", 8), 8)
	assert.Equal(t, Short("subject", 8), Short("subject", 8))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("hello", "hello"))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 0.8, Similarity("hello", "hallo"), 1e-9)
	assert.InDelta(t, 1-3.0/7.0, Similarity("kitten", "sitting"), 1e-9)
	assert.Equal(t, Similarity("flaw", "lawn"), Similarity("lawn", "flaw"))
}
