// Package threading derives direction-independent thread keys and groups
// messages into conversations.
package threading

import (
	"regexp"
	"strings"

	"commhub/internal/domain"
	"commhub/internal/fingerprint"
)

// GenerateThreadKey returns "{channel}:{lo}:{hi}" for the lexicographically
// sorted pair of parties, so both directions of an exchange share one key.
// A non-empty native thread identifier wins and collapses the key to
// "{channel}:{native}".
func GenerateThreadKey(channel domain.Channel, partyA, partyB, native string) string {
	ch := strings.ToLower(string(channel))
	if native = strings.TrimSpace(native); native != "" {
		return ch + ":" + native
	}
	lo, hi := SortedPair(partyA, partyB)
	return ch + ":" + lo + ":" + hi
}

// SortedPair lower-cases and orders two party identifiers.
func SortedPair(a, b string) (string, string) {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if b < a {
		return b, a
	}
	return a, b
}

// Participants returns the sorted participant list stored on a conversation.
func Participants(m domain.NormalizedMessage) []string {
	lo, hi := SortedPair(m.From.NormalizedValue, m.To.NormalizedValue)
	return []string{lo, hi}
}

// ThreadContext carries optional hints that refine a base key.
type ThreadContext struct {
	Subject          string
	ReplyToMessageID string
	ConversationID   string
}

// GenerateContextualThreadKey appends ":subj:{hash8}", ":reply:{id}" and
// ":conv:{id}" (in that order) for each hint that is present.
func GenerateContextualThreadKey(baseKey string, tc ThreadContext) string {
	var sb strings.Builder
	sb.WriteString(baseKey)
	if subj := NormalizeSubject(tc.Subject); subj != "" {
		sb.WriteString(":subj:")
		sb.WriteString(fingerprint.Short(subj, 8))
	}
	if id := strings.TrimSpace(tc.ReplyToMessageID); id != "" {
		sb.WriteString(":reply:")
		sb.WriteString(id)
	}
	if id := strings.TrimSpace(tc.ConversationID); id != "" {
		sb.WriteString(":conv:")
		sb.WriteString(id)
	}
	return sb.String()
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd|fw)\s*(\[\d+\])?\s*:\s*`)

var spaceRun = regexp.MustCompile(`\s+`)

// NormalizeSubject strips any number of leading Re:/Fwd:/Fw: markers, collapses
// whitespace and lower-cases, so a subject and its replies compare equal.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}
