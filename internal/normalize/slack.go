package normalize

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/tidwall/gjson"

	"commhub/internal/domain"
)

// Slack normalizes Events API callbacks for message and app_mention events.
// A thread_ts makes the Slack thread the native conversation.
type Slack struct {
	base
}

type slackMessage struct {
	user, text, ts, threadTS, channel, botID, subtype, channelType string
}

func (n *Slack) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	ev, err := slackevents.ParseEvent(json.RawMessage(raw.Payload), slackevents.OptionNoVerifyToken())
	if err != nil {
		return domain.NormalizedMessage{}, invalidf("decode slack event: %v", err)
	}
	if ev.Type != slackevents.CallbackEvent {
		return domain.NormalizedMessage{}, invalidf("slack event type %q is not a callback", ev.Type)
	}

	p := gjson.ParseBytes(raw.Payload)
	var sm slackMessage
	switch e := ev.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		sm = slackMessage{
			user: e.User, text: e.Text, ts: e.TimeStamp, threadTS: e.ThreadTimeStamp,
			channel: e.Channel, botID: e.BotID, subtype: e.SubType, channelType: e.ChannelType,
		}
		if e.SubType == "message_changed" {
			edited := p.Get("event.message")
			sm.user = edited.Get("user").String()
			sm.text = edited.Get("text").String()
			sm.ts = edited.Get("ts").String()
			sm.threadTS = edited.Get("thread_ts").String()
			sm.botID = edited.Get("bot_id").String()
		}
	case *slackevents.AppMentionEvent:
		sm = slackMessage{
			user: e.User, text: e.Text, ts: e.TimeStamp, threadTS: e.ThreadTimeStamp,
			channel: e.Channel, botID: e.BotID,
		}
	default:
		return domain.NormalizedMessage{}, invalidf("unsupported slack event %q", ev.InnerEvent.Type)
	}

	author := firstNonBlank(sm.user, sm.botID)
	if sm.channel == "" || sm.ts == "" || author == "" {
		return domain.NormalizedMessage{}, invalidf("slack message missing channel, ts or author")
	}

	direction := domain.DirectionInbound
	if sm.botID != "" || sm.subtype == "bot_message" {
		direction = domain.DirectionOutbound
	}

	var atts []domain.Attachment
	p.Get("event.files").ForEach(func(_, f gjson.Result) bool {
		mime := f.Get("mimetype").String()
		atts = append(atts, domain.Attachment{
			Type:     contentTypeForMime(mime),
			URL:      f.Get("url_private").String(),
			Filename: f.Get("name").String(),
			MimeType: mime,
			MediaID:  f.Get("id").String(),
			Size:     f.Get("size").Int(),
		})
		return true
	})
	var filename string
	if len(atts) > 0 {
		filename = atts[0].Filename
	}

	meta := map[string]string{"channel": sm.channel}
	setMeta(meta, "channel_type", sm.channelType)
	setMeta(meta, "subtype", sm.subtype)
	setMeta(meta, "thread_ts", sm.threadTS)
	setMeta(meta, "team_id", p.Get("team_id").String())
	setMeta(meta, "event_id", p.Get("event_id").String())

	ts, fromProvider := slackTime(sm.ts, raw)
	msg := domain.NormalizedMessage{
		ProviderMessageID: sm.channel + ":" + sm.ts,
		ProviderID:        raw.ProviderID,
		Channel:           domain.ChannelSlack,
		Direction:         direction,
		From:              socialContact(author, "", raw.ProviderID),
		To:                socialContact(sm.channel, "", raw.ProviderID),
		Timestamp:         ts,
		ReceiptTimestamp:  !fromProvider,
		Body:              firstText(sm.text, filename),
		ContentType:       classify(!isBlank(sm.text), atts),
		ProviderMeta:      meta,
		Attachments:       n.resolveAttachments(ctx, raw.ProviderID, atts),
	}
	native := ""
	if sm.threadTS != "" {
		native = sm.channel + ":" + sm.threadTS
	}
	n.finish(&msg, native)
	return msg, nil
}

// slackTime parses "seconds.micros" message timestamps.
func slackTime(ts string, raw domain.RawProviderMessage) (time.Time, bool) {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil || sec <= 0 {
		return receivedTime(raw)
	}
	var nsec int64
	if fracStr != "" {
		frac := (fracStr + "000000000")[:9]
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec).UTC(), true
}
