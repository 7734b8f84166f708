package normalize

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"commhub/internal/domain"
)

// Telegram normalizes Bot API updates. The chat ID is the native thread, so
// group chats and private chats each map to one conversation.
type Telegram struct {
	base
	botName string
}

func (n *Telegram) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw.Payload, &update); err != nil {
		return domain.NormalizedMessage{}, invalidf("decode telegram update: %v", err)
	}

	m, edited := update.Message, false
	switch {
	case m != nil:
	case update.EditedMessage != nil:
		m, edited = update.EditedMessage, true
	case update.ChannelPost != nil:
		m = update.ChannelPost
	default:
		return domain.NormalizedMessage{}, invalidf("telegram update %d carries no message", update.UpdateID)
	}
	if m.Chat == nil || m.MessageID == 0 {
		return domain.NormalizedMessage{}, invalidf("telegram message missing chat or message_id")
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	bot := n.botContact(raw.ProviderID)
	sender := n.senderContact(m, raw.ProviderID)

	direction := domain.DirectionInbound
	from, to := sender, bot
	if m.From != nil && m.From.IsBot {
		direction = domain.DirectionOutbound
		to = socialContact(chatID, handle(m.Chat.UserName), raw.ProviderID)
	}

	atts := telegramAttachments(m)
	var location, filename string
	if m.Location != nil {
		location = locationSummary(m.Location.Latitude, m.Location.Longitude, "")
	}
	if len(atts) > 0 {
		filename = atts[0].Filename
	}

	contentType := classify(!isBlank(m.Text), atts)
	if isBlank(m.Text) && len(atts) == 0 && m.Location != nil {
		contentType = domain.ContentLocation
	}

	meta := map[string]string{
		"chat_id":   chatID,
		"chat_type": m.Chat.Type,
	}
	if update.UpdateID != 0 {
		meta["update_id"] = strconv.Itoa(update.UpdateID)
	}
	if m.ReplyToMessage != nil {
		meta["reply_to"] = chatID + ":" + strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	if edited {
		meta["edited"] = "true"
	}
	if m.From != nil {
		setMeta(meta, "sender_name", strings.TrimSpace(m.From.FirstName+" "+m.From.LastName))
	}

	msg := domain.NormalizedMessage{
		ProviderMessageID: chatID + ":" + strconv.Itoa(m.MessageID),
		ProviderID:        raw.ProviderID,
		Channel:           domain.ChannelTelegram,
		Direction:         direction,
		From:              from,
		To:                to,
		Timestamp:         time.Unix(int64(m.Date), 0).UTC(),
		Body:              firstText(m.Text, m.Caption, filename, location),
		ContentType:       contentType,
		ProviderMeta:      meta,
		Attachments:       n.resolveAttachments(ctx, raw.ProviderID, atts),
	}
	if m.Date == 0 {
		msg.Timestamp, _ = receivedTime(raw)
		msg.ReceiptTimestamp = true
	}
	n.finish(&msg, chatID)
	return msg, nil
}

func (n *Telegram) botContact(provider string) domain.Contact {
	name := n.botName
	if name == "" {
		name = "bot"
	}
	return socialContact(strings.TrimPrefix(name, "@"), handle(name), provider)
}

// senderContact identifies the author; channel posts have no user, so the
// channel itself is the sender.
func (n *Telegram) senderContact(m *tgbotapi.Message, provider string) domain.Contact {
	if m.From == nil {
		return socialContact(strconv.FormatInt(m.Chat.ID, 10), handle(m.Chat.UserName), provider)
	}
	return socialContact(strconv.FormatInt(m.From.ID, 10), handle(m.From.UserName), provider)
}

func handle(username string) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return ""
	}
	return "@" + username
}

func telegramAttachments(m *tgbotapi.Message) []domain.Attachment {
	var atts []domain.Attachment
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		atts = append(atts, domain.Attachment{
			Type:     domain.ContentImage,
			MimeType: "image/jpeg",
			MediaID:  largest.FileID,
			Size:     int64(largest.FileSize),
		})
	}
	if d := m.Document; d != nil {
		atts = append(atts, domain.Attachment{
			Type:     contentTypeForMime(d.MimeType),
			Filename: d.FileName,
			MimeType: d.MimeType,
			MediaID:  d.FileID,
			Size:     int64(d.FileSize),
		})
	}
	if a := m.Audio; a != nil {
		atts = append(atts, domain.Attachment{
			Type:     domain.ContentAudio,
			Filename: a.FileName,
			MimeType: a.MimeType,
			MediaID:  a.FileID,
			Size:     int64(a.FileSize),
		})
	}
	if v := m.Voice; v != nil {
		atts = append(atts, domain.Attachment{
			Type:     domain.ContentAudio,
			MimeType: v.MimeType,
			MediaID:  v.FileID,
			Size:     int64(v.FileSize),
		})
	}
	if v := m.Video; v != nil {
		atts = append(atts, domain.Attachment{
			Type:     domain.ContentVideo,
			Filename: v.FileName,
			MimeType: v.MimeType,
			MediaID:  v.FileID,
			Size:     int64(v.FileSize),
		})
	}
	return atts
}
