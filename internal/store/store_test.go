package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
	"commhub/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "commhub.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store implementation the suite runs against.
// PostgreSQL joins when COMMHUB_TEST_POSTGRES_DSN points at an empty database.
func backends(t *testing.T) map[string]func(t *testing.T) domain.Store {
	b := map[string]func(t *testing.T) domain.Store{
		"memory": func(t *testing.T) domain.Store { return memstore.New() },
		"sqlite": func(t *testing.T) domain.Store { return newSQLite(t) },
	}
	if dsn := os.Getenv("COMMHUB_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) domain.Store {
			s, err := NewPostgresStore(dsn, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() {
				for _, table := range []string{"messages", "identities", "customers", "conversations"} {
					s.DB().Exec("DELETE FROM " + table)
				}
				s.Close()
			})
			return s
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s domain.Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func sms(pmid, from, to, body string, ts time.Time) domain.StoredMessage {
	return domain.StoredMessage{
		ProviderID:        "twilio-main",
		ProviderMessageID: pmid,
		Channel:           domain.ChannelSMS,
		Direction:         domain.DirectionInbound,
		FromValue:         from,
		ToValue:           to,
		Body:              body,
		ContentType:       domain.ContentText,
		MessageHash:       "hash-" + body,
		ThreadKey:         "sms:" + from + ":" + to,
		Timestamp:         ts,
	}
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	version, err := SchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	require.NoError(t, RunMigrations(ctx, s.DB(), dialectSQLite, testLogger()))
	version, err = SchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	var applied int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&applied))
	assert.Equal(t, len(migrations), applied)
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	s := newSQLite(t)
	for _, table := range []string{"messages", "customers", "identities", "conversations", "schema_version"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", dialectPostgres.rebind(q))
	assert.Empty(t, dialectSQLite.forUpdate())
	assert.Equal(t, " FOR UPDATE", dialectPostgres.forUpdate())
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a(x);  \n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
}

func TestOpen(t *testing.T) {
	s, err := Open(DSNMemory, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, s)

	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	s, err = Open("sqlite://"+path, testLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLStore{}, s)
	assert.FileExists(t, path)
}

func TestStore_MessageRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		m := sms("SM-001", "+12345678901", "+10987654321", "Hi", t0)
		m.Attachments = []domain.Attachment{{Type: domain.ContentImage, URL: "https://x/1.jpg", MimeType: "image/jpeg"}}
		m.ProviderMeta = map[string]string{"account_sid": "AC1"}

		id, err := s.CreateMessage(ctx, m)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.FindMessageByProviderID(ctx, "twilio-main", "SM-001")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "Hi", got.Body)
		assert.Equal(t, m.Attachments, got.Attachments)
		assert.Equal(t, m.ProviderMeta, got.ProviderMeta)
		assert.True(t, got.Timestamp.Equal(t0), "timestamp %v", got.Timestamp)

		missing, err := s.FindMessageByProviderID(ctx, "twilio-main", "SM-404")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStore_MessageUniqueness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		_, err := s.CreateMessage(ctx, sms("SM-001", "+1", "+2", "a", t0))
		require.NoError(t, err)

		_, err = s.CreateMessage(ctx, sms("SM-001", "+1", "+2", "b", t0))
		assert.ErrorIs(t, err, domain.ErrConflict)

		other := sms("SM-001", "+1", "+2", "c", t0)
		other.ProviderID = "twilio-alt"
		_, err = s.CreateMessage(ctx, other)
		assert.NoError(t, err, "uniqueness is per provider")

		_, err = s.CreateMessage(ctx, sms("", "+1", "+2", "d", t0))
		require.NoError(t, err)
		_, err = s.CreateMessage(ctx, sms("", "+1", "+2", "e", t0))
		assert.NoError(t, err, "messages without provider IDs never conflict")
	})
}

func TestStore_FindMessagesByPair(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		for i, m := range []domain.StoredMessage{
			sms("SM-1", "sarah@example.com", "help@acme.io", "old", t0.Add(-3*time.Hour)),
			sms("SM-2", "sarah@example.com", "help@acme.io", "recent", t0.Add(-10*time.Minute)),
			sms("SM-3", "sarah@example.com", "help@acme.io", "newest", t0),
			sms("SM-4", "help@acme.io", "sarah@example.com", "reverse", t0),
			sms("SM-5", "bob@example.com", "help@acme.io", "other", t0),
		} {
			_, err := s.CreateMessage(ctx, m)
			require.NoError(t, err, "message %d", i)
		}

		got, err := s.FindMessagesByPair(ctx, domain.PairQuery{
			ProviderID: "twilio-main",
			Channel:    domain.ChannelSMS,
			From:       "Sarah@Example.com",
			To:         "help@acme.io",
			Since:      t0.Add(-time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "newest", got[0].Body)
		assert.Equal(t, "recent", got[1].Body)

		limited, err := s.FindMessagesByPair(ctx, domain.PairQuery{
			Channel: domain.ChannelSMS, From: "sarah@example.com", To: "help@acme.io", Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "newest", limited[0].Body)
	})
}

func TestStore_Identities(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		cust, ident, err := s.CreateIdentityAndCustomer(ctx,
			domain.Customer{Name: "Sarah Johnson", Metadata: map[string]string{"source": "message_ingestion"}, CreatedAt: t0},
			domain.Identity{Type: domain.ContactEmail, Value: "sarah.johnson@example.com", RawValue: "Sarah.Johnson@Example.com", CreatedAt: t0})
		require.NoError(t, err)
		assert.Equal(t, cust.ID, ident.CustomerID)

		found, err := s.FindIdentity(ctx, domain.ContactEmail, "SARAH.JOHNSON@example.com")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ident.ID, found.ID)
		assert.Equal(t, cust.ID, found.CustomerID)

		none, err := s.FindIdentity(ctx, domain.ContactPhone, "sarah.johnson@example.com")
		require.NoError(t, err)
		assert.Nil(t, none, "lookups are scoped by type")

		_, _, err = s.CreateIdentityAndCustomer(ctx, domain.Customer{},
			domain.Identity{Type: domain.ContactEmail, Value: "sarah.johnson@example.com"})
		assert.ErrorIs(t, err, domain.ErrConflict)

		other, _, err := s.CreateIdentityAndCustomer(ctx, domain.Customer{CreatedAt: t0.Add(time.Second)},
			domain.Identity{Type: domain.ContactEmail, Value: "bob@example.com", CreatedAt: t0.Add(time.Second)})
		require.NoError(t, err)

		t.Run("link", func(t *testing.T) {
			linked, err := s.LinkIdentity(ctx, cust.ID, domain.Identity{Type: domain.ContactPhone, Value: "+12345678901", CreatedAt: t0.Add(2 * time.Second)})
			require.NoError(t, err)
			assert.Equal(t, cust.ID, linked.CustomerID)

			again, err := s.LinkIdentity(ctx, cust.ID, domain.Identity{Type: domain.ContactPhone, Value: "+12345678901"})
			require.NoError(t, err)
			assert.Equal(t, linked.ID, again.ID, "relinking returns the existing identity")

			_, err = s.LinkIdentity(ctx, other.ID, domain.Identity{Type: domain.ContactPhone, Value: "+12345678901"})
			assert.ErrorIs(t, err, domain.ErrConflict)

			_, err = s.LinkIdentity(ctx, "no-such-customer", domain.Identity{Type: domain.ContactPhone, Value: "+19999999999"})
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})

		t.Run("candidates", func(t *testing.T) {
			cands, err := s.FindIdentityCandidates(ctx, domain.ContactEmail, "@example.com", 10)
			require.NoError(t, err)
			require.Len(t, cands, 2)
			assert.Equal(t, "sarah.johnson@example.com", cands[0].Value, "ordered by creation")

			cands, err = s.FindIdentityCandidates(ctx, domain.ContactEmail, "@example.com", 1)
			require.NoError(t, err)
			assert.Len(t, cands, 1)

			cands, err = s.FindIdentityCandidates(ctx, domain.ContactEmail, "%", 10)
			require.NoError(t, err)
			assert.Empty(t, cands, "wildcards in the fragment are literal")
		})
	})
}

func TestStore_Conversations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		conv, err := s.CreateConversation(ctx, domain.Conversation{
			CustomerID:    "cust-1",
			Channel:       domain.ChannelSMS,
			ThreadKey:     "sms:+1:+2",
			Participants:  []string{"+1", "+2"},
			Tags:          []string{"channel:sms"},
			LastMessageAt: t0,
			CreatedAt:     t0,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ConversationActive, conv.Status)

		_, err = s.CreateConversation(ctx, domain.Conversation{Channel: domain.ChannelSMS, ThreadKey: "sms:+1:+2"})
		assert.ErrorIs(t, err, domain.ErrConflict)

		byKey, err := s.FindConversationByThreadKey(ctx, "sms:+1:+2")
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, conv.ID, byKey.ID)
		assert.Equal(t, []string{"+1", "+2"}, byKey.Participants)

		parties := domain.ConversationParties{Channel: domain.ChannelSMS, CustomerID: "cust-1", Participants: []string{"+1", "+2"}}
		recent, err := s.FindRecentConversation(ctx, parties, t0.Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, recent)
		assert.Equal(t, conv.ID, recent.ID)

		stale, err := s.FindRecentConversation(ctx, parties, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, stale)

		parties.CustomerID = "cust-2"
		otherCustomer, err := s.FindRecentConversation(ctx, parties, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Nil(t, otherCustomer)

		require.NoError(t, s.UpdateConversationActivity(ctx, conv.ID, t0.Add(time.Hour), []string{"channel:sms", "direction:inbound"}))
		require.NoError(t, s.UpdateConversationActivity(ctx, conv.ID, t0.Add(time.Minute), []string{"vip"}))
		assert.ErrorIs(t, s.UpdateConversationActivity(ctx, "missing", t0, nil), domain.ErrNotFound)

		after, err := s.FindConversationByThreadKey(ctx, "sms:+1:+2")
		require.NoError(t, err)
		assert.True(t, after.LastMessageAt.Equal(t0.Add(time.Hour)), "activity never moves backwards")
		assert.Equal(t, []string{"channel:sms", "direction:inbound", "vip"}, after.Tags)

		n, err := s.ArchiveConversations(ctx, t0.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = s.ArchiveConversations(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		archived, err := s.FindConversationByThreadKey(ctx, "sms:+1:+2")
		require.NoError(t, err)
		assert.Equal(t, domain.ConversationArchived, archived.Status)

		require.NoError(t, s.UpdateConversationActivity(ctx, conv.ID, t0.Add(3*time.Hour), nil))
		reopened, err := s.FindConversationByThreadKey(ctx, "sms:+1:+2")
		require.NoError(t, err)
		assert.Equal(t, domain.ConversationActive, reopened.Status)
	})
}

func TestStore_ListConversationMessagesAndStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.Store) {
		ctx := context.Background()
		for i := range 3 {
			m := sms("SM-"+string(rune('a'+i)), "+1", "+2", "body", t0.Add(time.Duration(i)*time.Minute))
			m.ConversationID = "conv-1"
			_, err := s.CreateMessage(ctx, m)
			require.NoError(t, err)
		}
		msgs, err := s.ListConversationMessages(ctx, "conv-1", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "SM-c", msgs[0].ProviderMessageID)

		sr, ok := s.(StatsReader)
		require.True(t, ok)
		st, err := sr.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Messages)
		assert.Zero(t, st.Conversations)
	})
}
