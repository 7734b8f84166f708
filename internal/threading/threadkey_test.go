package threading

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"commhub/internal/domain"
)

func TestGenerateThreadKey_Commutative(t *testing.T) {
	a := GenerateThreadKey(domain.ChannelSMS, "+12345678901", "+10987654321", "")
	b := GenerateThreadKey(domain.ChannelSMS, "+10987654321", "+12345678901", "")
	assert.Equal(t, a, b)
	assert.Equal(t, "sms:+10987654321:+12345678901", a)
}

func TestGenerateThreadKey_LowerCases(t *testing.T) {
	assert.Equal(t,
		"email:ops@acme.io:sarah@example.com",
		GenerateThreadKey(domain.ChannelEmail, "Sarah@Example.com", " OPS@acme.io ", ""))
}

func TestGenerateThreadKey_NativeWins(t *testing.T) {
	assert.Equal(t, "telegram:-100123", GenerateThreadKey(domain.ChannelTelegram, "a", "b", "-100123"))
	assert.Equal(t, "slack:a:b", GenerateThreadKey(domain.ChannelSlack, "a", "b", "   "))
}

func TestGenerateContextualThreadKey(t *testing.T) {
	base := "email:a:b"
	assert.Equal(t, base, GenerateContextualThreadKey(base, ThreadContext{}))

	key := GenerateContextualThreadKey(base, ThreadContext{
		Subject:          "Quarterly report",
		ReplyToMessageID: "m-1",
		ConversationID:   "c-9",
	})
	assert.True(t, strings.HasPrefix(key, base+":subj:"))
	assert.True(t, strings.HasSuffix(key, ":reply:m-1:conv:c-9"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(key, base+":subj:"), ":reply:m-1:conv:c-9"), 8)

	reply := GenerateContextualThreadKey(base, ThreadContext{Subject: "RE: Fwd: quarterly   REPORT"})
	orig := GenerateContextualThreadKey(base, ThreadContext{Subject: "Quarterly report"})
	assert.Equal(t, orig, reply)
}

func TestNormalizeSubject(t *testing.T) {
	cases := map[string]string{
		"Hello":                 "hello",
		"Re: Hello":             "hello",
		"RE: re: FW: Hello":     "hello",
		"Re[2]: Hello   world ": "hello world",
		"Fwd :  Invoice":        "invoice",
		"Regarding the invoice": "regarding the invoice",
		"":                      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSubject(in), in)
	}
}

func TestParticipants_Sorted(t *testing.T) {
	m := domain.NormalizedMessage{
		From: domain.Contact{NormalizedValue: "+2"},
		To:   domain.Contact{NormalizedValue: "+1"},
	}
	assert.Equal(t, []string{"+1", "+2"}, Participants(m))
}
