package normalize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
	"commhub/internal/fingerprint"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewDefaultRegistry(Config{
		Media: ProviderResolvers{
			"wa-main": TemplateResolver{Template: "https://media.example.com/{provider}/{id}"},
		},
		TelegramBotName: "acme_bot",
		Logger:          testLogger(),
	})
	require.NoError(t, err)
	return r
}

func rawFromFile(t *testing.T, providerType, providerID, file string) domain.RawProviderMessage {
	t.Helper()
	payload, err := os.ReadFile(filepath.Join("testdata", "payloads", file))
	require.NoError(t, err)
	format := domain.PayloadJSON
	if filepath.Ext(file) == ".form" {
		format = domain.PayloadForm
	}
	return domain.RawProviderMessage{
		ProviderID:    providerID,
		ProviderType:  providerType,
		Payload:       payload,
		PayloadFormat: format,
		ReceivedAt:    receivedAt,
	}
}

func normalizeRaw(t *testing.T, r *Registry, raw domain.RawProviderMessage) domain.NormalizedMessage {
	t.Helper()
	n, ok := r.Lookup(raw.ProviderType)
	require.True(t, ok, "no normalizer for %s", raw.ProviderType)
	msg, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	return msg
}

func TestNormalize_Golden(t *testing.T) {
	cases := []struct {
		name, providerType, providerID, file string
	}{
		{"twilio_sms", ProviderTwilio, "twilio-main", "twilio_sms.form"},
		{"twilio_whatsapp_media", ProviderTwilio, "twilio-main", "twilio_whatsapp_media.form"},
		{"twilio_status", ProviderTwilio, "twilio-main", "twilio_status.form"},
		{"whatsapp_text", ProviderWhatsApp, "wa-main", "whatsapp_text.json"},
		{"whatsapp_image", ProviderWhatsApp, "wa-main", "whatsapp_image.json"},
		{"whatsapp_status", ProviderWhatsApp, "wa-main", "whatsapp_status.json"},
		{"email_reply", ProviderEmail, "mail-main", "email_reply.json"},
		{"email_html_only", ProviderEmail, "mail-main", "email_html_only.json"},
		{"email_html_inline", ProviderEmail, "mail-main", "email_html_inline.json"},
		{"email_html_comment", ProviderEmail, "mail-main", "email_html_comment.json"},
		{"email_html_attr", ProviderEmail, "mail-main", "email_html_attr.json"},
		{"telegram_photo", ProviderTelegram, "tg-main", "telegram_photo.json"},
		{"slack_thread", ProviderSlack, "slack-main", "slack_thread.json"},
	}

	r := testRegistry(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := rawFromFile(t, tc.providerType, tc.providerID, tc.file)
			msg := normalizeRaw(t, r, raw)

			assert.Equal(t, fingerprint.ForMessage(msg), msg.MessageHash)
			assert.Equal(t, msg, normalizeRaw(t, r, raw), "normalization must be deterministic")

			view := msg.Clone()
			view.MessageHash = ""
			g.AssertJson(t, tc.name, view)
		})
	}
}

func TestTwilio_ScenarioA(t *testing.T) {
	r := testRegistry(t)
	msg := normalizeRaw(t, r, rawFromFile(t, ProviderTwilio, "twilio-main", "twilio_sms.form"))

	assert.Equal(t, "SM-001", msg.ProviderMessageID)
	assert.Equal(t, "+12345678901", msg.From.NormalizedValue)
	assert.Equal(t, "+0987654321", msg.To.NormalizedValue)
	assert.Equal(t, "sms:+0987654321:+12345678901", msg.ThreadKey)
	assert.Equal(t, domain.DirectionInbound, msg.Direction)
	assert.Equal(t, "Hi", msg.BodyText())
}

func TestTwilio_AcceptsJSONEncodedForm(t *testing.T) {
	r := testRegistry(t)
	form := normalizeRaw(t, r, rawFromFile(t, ProviderTwilio, "twilio-main", "twilio_sms.form"))
	js := normalizeRaw(t, r, domain.RawProviderMessage{
		ProviderID:    "twilio-main",
		ProviderType:  ProviderTwilio,
		Payload:       []byte(`{"MessageSid":"SM-001","AccountSid":"AC1","From":"(234) 567-8901","To":"+0987654321","Body":"Hi","NumMedia":0,"SmsStatus":"received"}`),
		PayloadFormat: domain.PayloadJSON,
		ReceivedAt:    receivedAt,
	})
	assert.Equal(t, form, js)
}

func TestTwilio_LocationOnly(t *testing.T) {
	r := testRegistry(t)
	msg := normalizeRaw(t, r, domain.RawProviderMessage{
		ProviderID:   "twilio-main",
		ProviderType: ProviderTwilio,
		Payload:      []byte("MessageSid=SM-7&From=whatsapp%3A%2B14155550100&To=whatsapp%3A%2B14155550199&Latitude=38.7223&Longitude=-9.1393&Label=Office"),
		ReceivedAt:   receivedAt,
	})
	assert.Equal(t, domain.ContentLocation, msg.ContentType)
	assert.Equal(t, "Location: 38.722300,-9.139300 (Office)", msg.BodyText())
	assert.Equal(t, domain.ChannelWhatsApp, msg.Channel)
}

func TestNormalize_InvalidPayloads(t *testing.T) {
	r := testRegistry(t)
	cases := []struct {
		name, providerType string
		payload            string
	}{
		{"twilio empty", ProviderTwilio, ""},
		{"twilio no sid", ProviderTwilio, "From=%2B1&To=%2B2&Body=x"},
		{"twilio no from", ProviderTwilio, "MessageSid=SM1&To=%2B2"},
		{"twilio junk numbers", ProviderTwilio, "MessageSid=SM1&From=abc&To=def"},
		{"whatsapp not json", ProviderWhatsApp, "nope"},
		{"whatsapp empty", ProviderWhatsApp, `{"object":"whatsapp_business_account","entry":[]}`},
		{"email missing to", ProviderEmail, `{"message_id":"m1","from":"a@b.co"}`},
		{"email to wrong type", ProviderEmail, `{"message_id":"m1","from":"a@b.co","to":42}`},
		{"email no message id", ProviderEmail, `{"from":"a@b.co","to":"c@d.co"}`},
		{"email bad address", ProviderEmail, `{"message_id":"m1","from":"nobody","to":"c@d.co"}`},
		{"telegram no message", ProviderTelegram, `{"update_id":5}`},
		{"slack url verification", ProviderSlack, `{"type":"url_verification","challenge":"abc"}`},
		{"slack missing channel", ProviderSlack, `{"type":"event_callback","event":{"type":"message","user":"U1","text":"x","ts":"1.2"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := r.Lookup(tc.providerType)
			require.True(t, ok)
			_, err := n.Normalize(context.Background(), domain.RawProviderMessage{
				ProviderID:   "p",
				ProviderType: tc.providerType,
				Payload:      []byte(tc.payload),
				ReceivedAt:   receivedAt,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestEmail_CaseInsensitiveContacts(t *testing.T) {
	r := testRegistry(t)
	mk := func(from string) domain.NormalizedMessage {
		return normalizeRaw(t, r, domain.RawProviderMessage{
			ProviderID:   "mail-main",
			ProviderType: ProviderEmail,
			Payload:      []byte(`{"message_id":"m1","from":"` + from + `","to":"support@acme.io","text":"hello"}`),
			ReceivedAt:   receivedAt,
		})
	}
	a, b := mk("Sarah@Example.COM"), mk("sarah@example.com")
	assert.Equal(t, a.From.NormalizedValue, b.From.NormalizedValue)
	assert.Equal(t, a.MessageHash, b.MessageHash)
	assert.Equal(t, a.ThreadKey, b.ThreadKey)
}

func TestEmail_SubjectSnippetFallback(t *testing.T) {
	r := testRegistry(t)
	msg := normalizeRaw(t, r, domain.RawProviderMessage{
		ProviderID:   "mail-main",
		ProviderType: ProviderEmail,
		Payload:      []byte(`{"message_id":"m2","from":"a@b.co","to":"c@d.co","subject":"Fwd: Contract"}`),
		ReceivedAt:   receivedAt,
	})
	assert.Equal(t, "Subject: Fwd: Contract", msg.BodyText())
	assert.Equal(t, domain.ContentText, msg.ContentType)
}

func TestSlack_BotMessageIsOutbound(t *testing.T) {
	r := testRegistry(t)
	msg := normalizeRaw(t, r, domain.RawProviderMessage{
		ProviderID:   "slack-main",
		ProviderType: ProviderSlack,
		Payload: []byte(`{"type":"event_callback","team_id":"T1","event":{"type":"message","subtype":"bot_message",` +
			`"bot_id":"B1","text":"On it","ts":"1772366401.000100","channel":"C999"}}`),
		ReceivedAt: receivedAt,
	})
	assert.Equal(t, domain.DirectionOutbound, msg.Direction)
	assert.Equal(t, "b1", msg.From.NormalizedValue)
	assert.Equal(t, "slack:b1:c999", msg.ThreadKey)
}

func TestTelegram_BotEchoIsOutbound(t *testing.T) {
	r := testRegistry(t)
	msg := normalizeRaw(t, r, domain.RawProviderMessage{
		ProviderID:   "tg-main",
		ProviderType: ProviderTelegram,
		Payload: []byte(`{"update_id":7,"message":{"message_id":9,"date":1772366400,"text":"Hello!",` +
			`"from":{"id":1,"is_bot":true,"first_name":"Acme","username":"acme_bot"},` +
			`"chat":{"id":424242,"type":"private"}}}`),
		ReceivedAt: receivedAt,
	})
	assert.Equal(t, domain.DirectionOutbound, msg.Direction)
	assert.Equal(t, "424242", msg.To.NormalizedValue)
	assert.Equal(t, "telegram:424242", msg.ThreadKey)
}

func TestMediaResolution_TimeoutDegrades(t *testing.T) {
	blocking := ResolverFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r, err := NewDefaultRegistry(Config{Media: blocking, MediaTimeout: 10 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	start := time.Now()
	msg := normalizeRaw(t, r, rawFromFile(t, ProviderWhatsApp, "wa-main", "whatsapp_image.json"))
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, msg.Attachments, 1)
	assert.Empty(t, msg.Attachments[0].URL)
	assert.Equal(t, "MEDIA9", msg.Attachments[0].MediaID)
	assert.Equal(t, 1, UnresolvedAttachments(msg))
}

type fakeFileGetter struct {
	urls map[string]string
}

func (f fakeFileGetter) GetFileDirectURL(id string) (string, error) {
	if u, ok := f.urls[id]; ok {
		return u, nil
	}
	return "", errors.New("file not found")
}

func TestTelegramResolver(t *testing.T) {
	res := TelegramResolver{Bot: fakeFileGetter{urls: map[string]string{"large": "https://api.telegram.org/file/botX/photos/1.jpg"}}}
	r, err := NewDefaultRegistry(Config{
		Media:           ProviderResolvers{"tg-main": res},
		TelegramBotName: "acme_bot",
		Logger:          testLogger(),
	})
	require.NoError(t, err)

	msg := normalizeRaw(t, r, rawFromFile(t, ProviderTelegram, "tg-main", "telegram_photo.json"))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "https://api.telegram.org/file/botX/photos/1.jpg", msg.Attachments[0].URL)

	_, err = res.ResolveMedia(context.Background(), "tg-main", "missing")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"email", "slack", "telegram", "twilio", "whatsapp"}, r.Types())

	_, ok := r.Lookup("carrier-pigeon")
	assert.False(t, ok)

	r.Register("Custom", NormalizerFunc(func(context.Context, domain.RawProviderMessage) (domain.NormalizedMessage, error) {
		return domain.NormalizedMessage{ProviderMessageID: "x"}, nil
	}))
	n, ok := r.Lookup("custom")
	require.True(t, ok)
	msg, err := n.Normalize(context.Background(), domain.RawProviderMessage{})
	require.NoError(t, err)
	assert.Equal(t, "x", msg.ProviderMessageID)
}

func TestHTMLToText(t *testing.T) {
	cases := map[string]string{
		"<p>Order <b>12</b>34 shipped</p>":                             "Order 1234 shipped",
		"<p>Hi</p><!-- <div>tracking pixel</div> -->":                  "Hi",
		`<a title="x>y">link</a>`:                                      "link",
		"<p>Line one</p><p>Line\n  two</p>":                            "Line one\nLine two",
		"Hello<br>world<br/>again":                                     "Hello\nworld\nagain",
		"<style>p { color: red }</style><script>alert(1)</script>Body": "Body",
		"<html><head><title>Receipt</title><body>Paid &amp; done":      "Paid & done",
		"":                                                             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, htmlToText(in), in)
	}
}
