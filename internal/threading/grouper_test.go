package threading

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
	"commhub/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGrouper(st domain.Store) *Grouper {
	return NewGrouper(GrouperConfig{
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return t0 },
	})
}

func smsMessage(from, to string, dir domain.Direction, ts time.Time) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ProviderID:  "twilio-main",
		Channel:     domain.ChannelSMS,
		Direction:   dir,
		From:        domain.Contact{NormalizedValue: from, Type: domain.ContactPhone},
		To:          domain.Contact{NormalizedValue: to, Type: domain.ContactPhone},
		Timestamp:   ts,
		ContentType: domain.ContentText,
		ThreadKey:   GenerateThreadKey(domain.ChannelSMS, from, to, ""),
	}
}

func TestGroupIntoConversation_BothDirectionsShareConversation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	g := newTestGrouper(st)

	in := smsMessage("+12345678901", "+10987654321", domain.DirectionInbound, t0)
	first, err := g.GroupIntoConversation(ctx, in, "cust-1", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, first.IsNewConversation)
	require.NotEmpty(t, first.ConversationID)

	out := smsMessage("+10987654321", "+12345678901", domain.DirectionOutbound, t0.Add(time.Minute))
	second, err := g.GroupIntoConversation(ctx, out, "cust-1", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, second.IsNewConversation)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, in.ThreadKey, second.ThreadKey)

	conv, ok := st.Conversation(first.ConversationID)
	require.True(t, ok)
	assert.Equal(t, []string{"+10987654321", "+12345678901"}, conv.Participants)
	assert.Equal(t, "cust-1", conv.CustomerID)
}

func TestGroupIntoConversation_JoinsRecentConversationWithDifferentKey(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	g := newTestGrouper(st)

	first := smsMessage("+12345678901", "+10987654321", domain.DirectionInbound, t0)
	first.Channel = domain.ChannelEmail
	first.ThreadKey = "email:<root-1@mail>"
	res1, err := g.GroupIntoConversation(ctx, first, "", DefaultOptions())
	require.NoError(t, err)

	next := first
	next.ThreadKey = "email:<root-2@mail>"
	next.Timestamp = t0.Add(2 * time.Hour)
	res2, err := g.GroupIntoConversation(ctx, next, "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, res1.ConversationID, res2.ConversationID)
	assert.False(t, res2.IsNewConversation)

	opts := DefaultOptions()
	opts.PreferExistingThreads = false
	next.ThreadKey = "email:<root-3@mail>"
	res3, err := g.GroupIntoConversation(ctx, next, "", opts)
	require.NoError(t, err)
	assert.True(t, res3.IsNewConversation)
	assert.NotEqual(t, res1.ConversationID, res3.ConversationID)
}

func TestGroupIntoConversation_CreationDisabled(t *testing.T) {
	g := newTestGrouper(memstore.New())
	opts := DefaultOptions()
	opts.CreateIfMissing = false

	res, err := g.GroupIntoConversation(context.Background(),
		smsMessage("+1", "+2", domain.DirectionInbound, t0), "", opts)
	require.NoError(t, err)
	assert.Empty(t, res.ConversationID)
	assert.False(t, res.IsNewConversation)
	assert.Equal(t, "sms:+1:+2", res.ThreadKey)
}

func TestGroupIntoConversation_RequiresThreadKey(t *testing.T) {
	g := newTestGrouper(memstore.New())
	m := smsMessage("+1", "+2", domain.DirectionInbound, t0)
	m.ThreadKey = ""
	_, err := g.GroupIntoConversation(context.Background(), m, "", DefaultOptions())
	assert.Error(t, err)
}

func TestGroupIntoConversation_RelatedMessages(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	g := newTestGrouper(st)

	m := smsMessage("+1", "+2", domain.DirectionInbound, t0)
	res, err := g.GroupIntoConversation(ctx, m, "", DefaultOptions())
	require.NoError(t, err)

	id, err := st.CreateMessage(ctx, domain.StoredMessage{
		ProviderID: "twilio-main", ProviderMessageID: "SM1",
		Channel: domain.ChannelSMS, ConversationID: res.ConversationID, Timestamp: t0,
	})
	require.NoError(t, err)

	again, err := g.GroupIntoConversation(ctx, m, "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, again.RelatedMessages)
}

func TestUpdateConversationActivity_UnionsTags(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	g := newTestGrouper(st)

	m := smsMessage("+1", "+2", domain.DirectionInbound, t0)
	res, err := g.GroupIntoConversation(ctx, m, "", DefaultOptions())
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	require.NoError(t, g.UpdateConversationActivity(ctx, res.ConversationID, later,
		[]string{"channel:sms", "vip", "vip", ""}))

	conv, _ := st.Conversation(res.ConversationID)
	assert.Equal(t, later, conv.LastMessageAt)
	assert.Equal(t, []string{"channel:sms", "direction:inbound", "content:text", "vip"}, conv.Tags)

	require.NoError(t, g.UpdateConversationActivity(ctx, res.ConversationID, t0, nil))
	conv, _ = st.Conversation(res.ConversationID)
	assert.Equal(t, later, conv.LastMessageAt, "activity never moves backwards")

	assert.Error(t, g.UpdateConversationActivity(ctx, "", t0, nil))
}

func TestArchiveInactiveConversations(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	g := newTestGrouper(st)

	old := smsMessage("+1", "+2", domain.DirectionInbound, t0.Add(-48*time.Hour))
	fresh := smsMessage("+3", "+4", domain.DirectionInbound, t0.Add(-time.Hour))
	oldRes, err := g.GroupIntoConversation(ctx, old, "", DefaultOptions())
	require.NoError(t, err)
	freshRes, err := g.GroupIntoConversation(ctx, fresh, "", DefaultOptions())
	require.NoError(t, err)

	n, err := g.ArchiveInactiveConversations(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, _ := st.Conversation(oldRes.ConversationID)
	assert.Equal(t, domain.ConversationArchived, c.Status)
	c, _ = st.Conversation(freshRes.ConversationID)
	assert.Equal(t, domain.ConversationActive, c.Status)

	_, err = g.ArchiveInactiveConversations(ctx, 0)
	assert.Error(t, err)
}

func TestUnionTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UnionTags([]string{"a", "b"}, []string{"b", "c", "a"}))
	assert.Empty(t, UnionTags(nil, nil))
}
