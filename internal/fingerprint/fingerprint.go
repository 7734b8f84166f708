// Package fingerprint derives deterministic content hashes used for
// duplicate detection and idempotency keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"commhub/internal/domain"
)

// Domain prefixes keep hashes of different purposes from colliding.
// The version suffix allows an algorithm change without reusing old values.
const (
	DomainMessage     = "commhub/message/v1"
	DomainIdempotency = "commhub/idempotency/v1"
	DomainSubject     = "commhub/subject/v1"
)

func hashWithDomain(domainTag string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalTuple is encoded with a fixed field order; encoding/json preserves
// struct declaration order, so the bytes are stable.
type canonicalTuple struct {
	Channel     string `json:"channel"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
}

// MessageHash hashes {channel, from, to, body, contentType}. Contacts are
// compared case-insensitively and the body is NFKC-normalized and trimmed,
// so repeated normalization of the same payload always yields the same hash.
func MessageHash(channel domain.Channel, from, to domain.Contact, body string, contentType domain.ContentType) string {
	t := canonicalTuple{
		Channel:     strings.ToLower(string(channel)),
		From:        contactKey(from),
		To:          contactKey(to),
		Body:        CanonicalBody(body),
		ContentType: string(contentType),
	}
	data, _ := json.Marshal(t) // cannot fail for plain strings
	return hashWithDomain(DomainMessage, data)
}

// ForMessage recomputes the hash of an already-normalized message.
func ForMessage(m domain.NormalizedMessage) string {
	return MessageHash(m.Channel, m.From, m.To, m.BodyText(), m.ContentType)
}

// IdempotencyKey is the stable key for one provider event delivery.
func IdempotencyKey(providerID, providerMessageID string, timestamp time.Time) string {
	data := providerID + "\x00" + providerMessageID + "\x00" + strconv.FormatInt(timestamp.UTC().UnixNano(), 10)
	return hashWithDomain(DomainIdempotency, []byte(data))
}

// Short returns the first n hex characters of a hash of s.
func Short(s string, n int) string {
	h := hashWithDomain(DomainSubject, []byte(s))
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}

// CanonicalBody applies NFKC normalization and trims surrounding whitespace.
func CanonicalBody(body string) string {
	return strings.TrimSpace(norm.NFKC.String(body))
}

// SimilarityText reduces a body to the form compared by fuzzy duplicate
// detection: lower-cased, punctuation dropped, whitespace collapsed.
func SimilarityText(body string) string {
	body = strings.ToLower(CanonicalBody(body))
	var sb strings.Builder
	sb.Grow(len(body))
	space := false
	for _, r := range body {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return sb.String()
}

func contactKey(c domain.Contact) string {
	v := c.NormalizedValue
	if v == "" {
		v = c.RawValue
	}
	return strings.ToLower(strings.TrimSpace(v))
}
