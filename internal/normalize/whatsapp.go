package normalize

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"commhub/internal/domain"
)

// WhatsApp normalizes Meta Cloud API webhook notifications. A notification
// may batch several messages or statuses; the one matching the raw provider
// message ID is used, or the first one otherwise.
type WhatsApp struct {
	base
}

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         waMetadata  `json:"metadata"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Image       *waMedia       `json:"image,omitempty"`
	Document    *waMedia       `json:"document,omitempty"`
	Audio       *waMedia       `json:"audio,omitempty"`
	Video       *waMedia       `json:"video,omitempty"`
	Sticker     *waMedia       `json:"sticker,omitempty"`
	Location    *waLocation    `json:"location,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
	Button      *waButton      `json:"button,omitempty"`
	Context     *waContext     `json:"context,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

type waInteractive struct {
	Type        string   `json:"type"`
	ButtonReply *waReply `json:"button_reply,omitempty"`
	ListReply   *waReply `json:"list_reply,omitempty"`
}

type waReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type waButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type waContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

func (n *WhatsApp) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	var p waPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return domain.NormalizedMessage{}, invalidf("decode whatsapp payload: %v", err)
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if raw.ProviderMessageID == "" || m.ID == raw.ProviderMessageID {
					return n.message(ctx, raw, change.Value.Metadata, m)
				}
			}
			for _, s := range change.Value.Statuses {
				if raw.ProviderMessageID == "" || s.ID == raw.ProviderMessageID {
					return n.status(raw, change.Value.Metadata, s)
				}
			}
		}
	}
	return domain.NormalizedMessage{}, invalidf("whatsapp payload has no message or status")
}

func (n *WhatsApp) message(ctx context.Context, raw domain.RawProviderMessage, md waMetadata, m waMessage) (domain.NormalizedMessage, error) {
	if m.ID == "" || m.From == "" {
		return domain.NormalizedMessage{}, invalidf("whatsapp message missing id or from")
	}
	business := firstNonBlank(md.DisplayPhoneNumber, md.PhoneNumberID)
	if business == "" {
		return domain.NormalizedMessage{}, invalidf("whatsapp metadata missing business number")
	}

	// Meta sends wa_id digits without '+', so force E.164 interpretation.
	from := phoneContact("+"+strings.TrimPrefix(m.From, "+"), n.countryCode, raw.ProviderID)
	to := phoneContact("+"+strings.TrimPrefix(business, "+"), n.countryCode, raw.ProviderID)

	var (
		text        string
		atts        []domain.Attachment
		contentType = domain.ContentText
		fallback    string
	)
	meta := map[string]string{"message_type": m.Type}
	setMeta(meta, "phone_number_id", md.PhoneNumberID)

	addMedia := func(ct domain.ContentType, media *waMedia) {
		if media == nil {
			return
		}
		atts = append(atts, domain.Attachment{
			Type:     ct,
			Filename: media.Filename,
			MimeType: media.MimeType,
			MediaID:  media.ID,
		})
		contentType = ct
		fallback = firstNonBlank(media.Caption, media.Filename)
	}

	switch m.Type {
	case "text":
		if m.Text != nil {
			text = m.Text.Body
		}
	case "image", "sticker":
		addMedia(domain.ContentImage, firstMedia(m.Image, m.Sticker))
	case "document":
		addMedia(domain.ContentDocument, m.Document)
	case "audio", "voice":
		addMedia(domain.ContentAudio, m.Audio)
	case "video":
		addMedia(domain.ContentVideo, m.Video)
	case "location":
		if m.Location != nil {
			contentType = domain.ContentLocation
			fallback = locationSummary(m.Location.Latitude, m.Location.Longitude,
				firstNonBlank(m.Location.Name, m.Location.Address))
		}
	case "interactive":
		if m.Interactive != nil {
			if r := firstReply(m.Interactive.ButtonReply, m.Interactive.ListReply); r != nil {
				text = r.Title
				setMeta(meta, "reply_id", r.ID)
			}
		}
	case "button":
		if m.Button != nil {
			text = m.Button.Text
			setMeta(meta, "button_payload", m.Button.Payload)
		}
	}

	if m.Context != nil {
		setMeta(meta, "context_message_id", m.Context.ID)
	}
	name := gjson.GetBytes(raw.Payload, `entry.0.changes.0.value.contacts.#(wa_id=="`+m.From+`").profile.name`)
	setMeta(meta, "profile_name", name.String())

	ts, fromProvider := unixOr(m.Timestamp, raw)
	msg := domain.NormalizedMessage{
		ProviderMessageID: m.ID,
		ProviderID:        raw.ProviderID,
		Channel:           domain.ChannelWhatsApp,
		Direction:         domain.DirectionInbound,
		From:              from,
		To:                to,
		Timestamp:         ts,
		ReceiptTimestamp:  !fromProvider,
		Body:              firstText(text, fallback),
		ContentType:       contentType,
		ProviderMeta:      meta,
		Attachments:       n.resolveAttachments(ctx, raw.ProviderID, atts),
	}
	n.finish(&msg, "")
	return msg, nil
}

// status maps a delivery-status notification onto an outbound message.
func (n *WhatsApp) status(raw domain.RawProviderMessage, md waMetadata, s waStatus) (domain.NormalizedMessage, error) {
	business := firstNonBlank(md.DisplayPhoneNumber, md.PhoneNumberID)
	if s.ID == "" || s.RecipientID == "" || business == "" {
		return domain.NormalizedMessage{}, invalidf("whatsapp status missing id, recipient or business number")
	}
	ts, fromProvider := unixOr(s.Timestamp, raw)
	msg := domain.NormalizedMessage{
		ProviderMessageID: s.ID,
		ProviderID:        raw.ProviderID,
		Channel:           domain.ChannelWhatsApp,
		Direction:         domain.DirectionOutbound,
		From:              phoneContact("+"+strings.TrimPrefix(business, "+"), n.countryCode, raw.ProviderID),
		To:                phoneContact("+"+strings.TrimPrefix(s.RecipientID, "+"), n.countryCode, raw.ProviderID),
		Timestamp:         ts,
		ReceiptTimestamp:  !fromProvider,
		ContentType:       domain.ContentText,
		ProviderMeta:      map[string]string{"status": s.Status},
	}
	n.finish(&msg, "")
	return msg, nil
}

func firstMedia(ms ...*waMedia) *waMedia {
	for _, m := range ms {
		if m != nil {
			return m
		}
	}
	return nil
}

func firstReply(rs ...*waReply) *waReply {
	for _, r := range rs {
		if r != nil {
			return r
		}
	}
	return nil
}

// unixOr parses a unix-seconds string, falling back to the receipt time.
func unixOr(s string, raw domain.RawProviderMessage) (time.Time, bool) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return receivedTime(raw)
	}
	return time.Unix(sec, 0).UTC(), true
}
