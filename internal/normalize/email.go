package normalize

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"commhub/internal/domain"
)

// emailSchema describes the inbound-parse JSON accepted by the email normalizer.
const emailSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["from", "to"],
  "properties": {
    "message_id": {"type": "string"},
    "from": {"type": "string", "minLength": 3},
    "to": {
      "oneOf": [
        {"type": "string", "minLength": 3},
        {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 3}}
      ]
    },
    "cc": {"type": "array", "items": {"type": "string"}},
    "subject": {"type": "string"},
    "text": {"type": "string"},
    "html": {"type": "string"},
    "date": {"type": "string"},
    "in_reply_to": {"type": "string"},
    "references": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "direction": {"enum": ["inbound", "outbound"]},
    "headers": {"type": "object"},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "filename": {"type": "string"},
          "content_type": {"type": "string"},
          "url": {"type": "string"},
          "content_id": {"type": "string"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const emailSchemaURL = "https://commhub.local/schemas/email-inbound.json"

// Email normalizes inbound-parse style JSON. Threading follows the
// References / In-Reply-To chain: the root message ID is the native thread.
type Email struct {
	base
	schema *jsonschema.Schema
}

func newEmail(b base) (*Email, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(emailSchema))
	if err != nil {
		return nil, fmt.Errorf("parse email schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(emailSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add email schema: %w", err)
	}
	sch, err := c.Compile(emailSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile email schema: %w", err)
	}
	return &Email{base: b, schema: sch}, nil
}

func (n *Email) Normalize(ctx context.Context, raw domain.RawProviderMessage) (domain.NormalizedMessage, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw.Payload))
	if err != nil {
		return domain.NormalizedMessage{}, invalidf("decode email payload: %v", err)
	}
	if err := n.schema.Validate(inst); err != nil {
		return domain.NormalizedMessage{}, invalidf("email payload: %v", err)
	}

	p := gjson.ParseBytes(raw.Payload)
	headers := p.Get("headers")

	messageID := trimMessageID(firstNonBlank(p.Get("message_id").String(), header(headers, "Message-ID"), raw.ProviderMessageID))
	if messageID == "" {
		return domain.NormalizedMessage{}, invalidf("email has no message id")
	}

	recipients := stringList(p.Get("to"))
	if len(recipients) == 0 {
		return domain.NormalizedMessage{}, invalidf("email has no recipient")
	}
	from := emailContact(p.Get("from").String(), raw.ProviderID)
	to := emailContact(recipients[0], raw.ProviderID)
	if !strings.Contains(from.NormalizedValue, "@") || !strings.Contains(to.NormalizedValue, "@") {
		return domain.NormalizedMessage{}, invalidf("unparseable email address in from %q or to %q", from.RawValue, to.RawValue)
	}

	direction := domain.DirectionInbound
	if p.Get("direction").String() == string(domain.DirectionOutbound) {
		direction = domain.DirectionOutbound
	}

	subject := p.Get("subject").String()
	text := p.Get("text").String()
	if isBlank(text) {
		text = htmlToText(p.Get("html").String())
	}

	var atts []domain.Attachment
	p.Get("attachments").ForEach(func(_, a gjson.Result) bool {
		mime := a.Get("content_type").String()
		atts = append(atts, domain.Attachment{
			Type:     contentTypeForMime(mime),
			URL:      a.Get("url").String(),
			Filename: a.Get("filename").String(),
			MimeType: mime,
			MediaID:  a.Get("content_id").String(),
			Size:     a.Get("size").Int(),
		})
		return true
	})
	var filename string
	if len(atts) > 0 {
		filename = atts[0].Filename
	}
	var subjectSnippet string
	if s := strings.TrimSpace(subject); s != "" {
		subjectSnippet = "Subject: " + truncateRunes(s, 140)
	}

	inReplyTo := trimMessageID(firstNonBlank(p.Get("in_reply_to").String(), header(headers, "In-Reply-To")))
	refs := messageIDs(stringList(p.Get("references")))
	if len(refs) == 0 {
		refs = messageIDs([]string{header(headers, "References")})
	}

	meta := map[string]string{}
	setMeta(meta, "subject", subject)
	setMeta(meta, "in_reply_to", inReplyTo)
	setMeta(meta, "references", strings.Join(refs, " "))
	setMeta(meta, "cc", strings.Join(stringList(p.Get("cc")), ","))
	if len(recipients) > 1 {
		meta["to_all"] = strings.Join(recipients, ",")
	}

	ts, fromProvider := emailTime(firstNonBlank(p.Get("date").String(), header(headers, "Date")), raw)
	msg := domain.NormalizedMessage{
		ProviderMessageID: messageID,
		ProviderID:        raw.ProviderID,
		Channel:           domain.ChannelEmail,
		Direction:         direction,
		From:              from,
		To:                to,
		Timestamp:         ts,
		ReceiptTimestamp:  !fromProvider,
		Body:              firstText(text, filename, subjectSnippet),
		ContentType:       classify(!isBlank(text), atts),
		ProviderMeta:      meta,
		Attachments:       n.resolveAttachments(ctx, raw.ProviderID, atts),
	}
	n.finish(&msg, threadRoot(refs, inReplyTo, messageID))
	return msg, nil
}

// threadRoot picks the oldest known ancestor of a message.
func threadRoot(refs []string, inReplyTo, self string) string {
	if len(refs) > 0 {
		return refs[0]
	}
	if inReplyTo != "" {
		return inReplyTo
	}
	return self
}

func header(headers gjson.Result, name string) string {
	var out string
	headers.ForEach(func(k, v gjson.Result) bool {
		if strings.EqualFold(k.String(), name) {
			out = v.String()
			return false
		}
		return true
	})
	return out
}

func stringList(r gjson.Result) []string {
	if !r.IsArray() {
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// messageIDs splits References values into bare IDs.
func messageIDs(values []string) []string {
	var out []string
	for _, s := range values {
		for _, f := range strings.Fields(s) {
			if id := trimMessageID(f); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func trimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// htmlBreaks are the elements that end a line of text. Everything else is
// inline and joins its neighbours without a separator.
var htmlBreaks = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Footer: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true,
	atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true,
	atom.Td: true, atom.Th: true, atom.Tr: true, atom.Ul: true,
}

var sourceBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// htmlToText extracts the readable text of an HTML body: one line per block
// element, with script, style, head and comment content dropped.
func htmlToText(s string) string {
	if s == "" {
		return ""
	}
	var (
		sb     strings.Builder
		hidden int
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseLines(sb.String())
		case html.TextToken:
			if hidden == 0 {
				// Source line breaks are plain whitespace in HTML.
				sb.WriteString(sourceBreaks.Replace(string(z.Text())))
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case a == atom.Script || a == atom.Style || a == atom.Head || a == atom.Title:
				if tt == html.StartTagToken {
					hidden++
				} else if tt == html.EndTagToken && hidden > 0 {
					hidden--
				}
			case a == atom.Body:
				hidden = 0 // an unclosed <head> ends here
			case htmlBreaks[a]:
				sb.WriteByte('\n')
			}
		}
	}
}

// collapseLines folds whitespace runs inside each line and drops blank lines.
func collapseLines(s string) string {
	var lines []string
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func emailTime(s string, raw domain.RawProviderMessage) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return receivedTime(raw)
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return receivedTime(raw)
}
