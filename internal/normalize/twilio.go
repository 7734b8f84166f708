package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"commhub/internal/domain"
)

// Twilio normalizes SMS-gateway webhooks: form-encoded message and status
// callbacks, including WhatsApp traffic relayed through the gateway.
type Twilio struct {
	base
}

// Gateway statuses that belong to inbound traffic; anything else is a
// delivery-status callback for an outbound message.
var inboundStatuses = map[string]bool{"": true, "received": true, "receiving": true}

func (n *Twilio) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	v, err := formValues(raw)
	if err != nil {
		return domain.NormalizedMessage{}, err
	}

	sid := firstNonBlank(v.Get("MessageSid"), v.Get("SmsMessageSid"), v.Get("SmsSid"), raw.ProviderMessageID)
	if sid == "" {
		return domain.NormalizedMessage{}, invalidf("missing MessageSid")
	}
	fromRaw, toRaw := v.Get("From"), v.Get("To")
	if isBlank(fromRaw) || isBlank(toRaw) {
		return domain.NormalizedMessage{}, invalidf("missing From or To")
	}

	channel := raw.Channel
	if IsWhatsAppAddress(fromRaw) || IsWhatsAppAddress(toRaw) {
		channel = domain.ChannelWhatsApp
	} else if channel == "" {
		channel = domain.ChannelSMS
	}

	from := phoneContact(fromRaw, n.countryCode, raw.ProviderID)
	to := phoneContact(toRaw, n.countryCode, raw.ProviderID)
	if from.NormalizedValue == "" || to.NormalizedValue == "" {
		return domain.NormalizedMessage{}, invalidf("unparseable phone number in From %q or To %q", fromRaw, toRaw)
	}

	status := strings.ToLower(firstNonBlank(v.Get("MessageStatus"), v.Get("SmsStatus")))
	direction := domain.DirectionInbound
	if !inboundStatuses[status] {
		direction = domain.DirectionOutbound
	}

	atts := twilioMedia(v)
	body := v.Get("Body")

	var location string
	lat, latErr := strconv.ParseFloat(v.Get("Latitude"), 64)
	lng, lngErr := strconv.ParseFloat(v.Get("Longitude"), 64)
	hasLocation := latErr == nil && lngErr == nil
	if hasLocation {
		location = locationSummary(lat, lng, firstNonBlank(v.Get("Label"), v.Get("Address")))
	}

	contentType := classify(!isBlank(body), atts)
	if isBlank(body) && len(atts) == 0 && hasLocation {
		contentType = domain.ContentLocation
	}

	meta := map[string]string{}
	setMeta(meta, "account_sid", v.Get("AccountSid"))
	setMeta(meta, "status", status)
	setMeta(meta, "num_segments", v.Get("NumSegments"))
	setMeta(meta, "profile_name", v.Get("ProfileName"))
	setMeta(meta, "reply_to", v.Get("OriginalRepliedMessageSid"))
	setMeta(meta, "error_code", v.Get("ErrorCode"))

	// Twilio webhooks carry no event time.
	received, _ := receivedTime(raw)
	msg := domain.NormalizedMessage{
		ProviderMessageID: sid,
		ProviderID:        raw.ProviderID,
		Channel:           channel,
		Direction:         direction,
		From:              from,
		To:                to,
		Timestamp:         received,
		ReceiptTimestamp:  true,
		Body:              firstText(body, location),
		ContentType:       contentType,
		ProviderMeta:      meta,
		Attachments:       n.resolveAttachments(ctx, raw.ProviderID, atts),
	}
	n.finish(&msg, "")
	return msg, nil
}

func twilioMedia(v url.Values) []domain.Attachment {
	count, _ := strconv.Atoi(v.Get("NumMedia"))
	var atts []domain.Attachment
	for i := range count {
		u := v.Get(fmt.Sprintf("MediaUrl%d", i))
		mime := v.Get(fmt.Sprintf("MediaContentType%d", i))
		if u == "" && mime == "" {
			continue
		}
		a := domain.Attachment{Type: contentTypeForMime(mime), URL: u, MimeType: mime}
		if u != "" {
			a.MediaID = path.Base(u)
		}
		atts = append(atts, a)
	}
	return atts
}

// formValues decodes a form-encoded payload. JSON objects are accepted too,
// for gateways and replay tools that re-encode the form as JSON.
func formValues(raw domain.RawProviderMessage) (url.Values, error) {
	payload := bytes.TrimSpace(raw.Payload)
	if len(payload) == 0 {
		return nil, invalidf("empty payload")
	}
	if raw.PayloadFormat == domain.PayloadJSON || payload[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, invalidf("decode json form: %v", err)
		}
		v := url.Values{}
		for k, val := range m {
			if val != nil {
				v.Set(k, fmt.Sprint(val))
			}
		}
		return v, nil
	}
	v, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, invalidf("decode form: %v", err)
	}
	return v, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func setMeta(meta map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		meta[key] = value
	}
}
