package domain

import (
	"maps"
	"slices"
	"time"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ContactType string

const (
	ContactPhone  ContactType = "phone"
	ContactEmail  ContactType = "email"
	ContactSocial ContactType = "social"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentDocument ContentType = "document"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentLocation ContentType = "location"
)

// PayloadFormat tells a normalizer how the raw payload bytes are encoded.
type PayloadFormat string

const (
	PayloadJSON PayloadFormat = "json"
	PayloadForm PayloadFormat = "form"
)

// RawProviderMessage is a webhook delivery exactly as it was received.
type RawProviderMessage struct {
	ProviderID        string        `json:"provider_id"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"` // optional: normalizers extract it when empty
	ProviderType      string        `json:"provider_type"`
	Channel           Channel       `json:"channel,omitempty"`
	Payload           []byte        `json:"payload"`
	PayloadFormat     PayloadFormat `json:"payload_format,omitempty"`
	ReceivedAt        time.Time     `json:"received_at"`
}

// Contact is one addressable endpoint of a message (phone, email or handle).
type Contact struct {
	Identifier      string      `json:"identifier"`
	NormalizedValue string      `json:"normalized_value"`
	RawValue        string      `json:"raw_value"`
	Type            ContactType `json:"type"`
	Provider        string      `json:"provider,omitempty"`
}

type Attachment struct {
	Type     ContentType `json:"type"`
	URL      string      `json:"url"`
	Filename string      `json:"filename,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	MediaID  string      `json:"media_id,omitempty"` // provider handle used to resolve URL
	Size     int64       `json:"size,omitempty"`
}

// NormalizedMessage is the canonical shape every provider payload is mapped to.
// Values are treated as immutable once a normalizer returns them; use the With*
// helpers to derive a corrected copy.
type NormalizedMessage struct {
	ProviderMessageID string            `json:"provider_message_id"`
	ProviderID        string            `json:"provider_id"`
	Channel           Channel           `json:"channel"`
	Direction         Direction         `json:"direction"`
	From              Contact           `json:"from"`
	To                Contact           `json:"to"`
	Timestamp         time.Time         `json:"timestamp"`
	Body              *string           `json:"body,omitempty"`
	ContentType       ContentType       `json:"content_type"`
	ThreadKey         string            `json:"thread_key"`
	ProviderMeta      map[string]string `json:"provider_meta,omitempty"`
	MessageHash       string            `json:"message_hash"`
	Attachments       []Attachment      `json:"attachments,omitempty"`

	// ReceiptTimestamp is set when the provider sent no event time and
	// Timestamp is when the delivery arrived instead.
	ReceiptTimestamp bool `json:"-"`
}

// BodyText returns the body or "" when the message has none.
func (m NormalizedMessage) BodyText() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Clone returns a deep copy.
func (m NormalizedMessage) Clone() NormalizedMessage {
	out := m
	if m.Body != nil {
		b := *m.Body
		out.Body = &b
	}
	out.ProviderMeta = maps.Clone(m.ProviderMeta)
	out.Attachments = slices.Clone(m.Attachments)
	return out
}

// WithThreadKey returns a copy carrying a different thread key.
func (m NormalizedMessage) WithThreadKey(key string) NormalizedMessage {
	out := m.Clone()
	out.ThreadKey = key
	return out
}

// WithMeta returns a copy with one provider meta entry set.
func (m NormalizedMessage) WithMeta(key, value string) NormalizedMessage {
	out := m.Clone()
	if out.ProviderMeta == nil {
		out.ProviderMeta = make(map[string]string)
	}
	out.ProviderMeta[key] = value
	return out
}

// CustomerContact returns the contact that represents the customer side of the
// exchange: the sender for inbound traffic, the recipient for outbound.
func (m NormalizedMessage) CustomerContact() Contact {
	if m.Direction == DirectionOutbound {
		return m.To
	}
	return m.From
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string { return &s }
