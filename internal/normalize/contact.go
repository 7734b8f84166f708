package normalize

import (
	"net/mail"
	"strings"
	"unicode"

	"commhub/internal/domain"
)

const whatsappPrefix = "whatsapp:"

// NormalizePhone converts a raw phone number to E.164. Formatting characters
// are stripped; countryCode is prepended only when the raw value has exactly
// ten digits and no leading '+'. It returns "" when no digits remain.
func NormalizePhone(raw, countryCode string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(whatsappPrefix) && strings.EqualFold(s[:len(whatsappPrefix)], whatsappPrefix) {
		s = strings.TrimSpace(s[len(whatsappPrefix):])
	}
	plus := strings.HasPrefix(s, "+")
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return ""
	}
	if !plus && len(digits) == 10 {
		return "+" + strings.TrimPrefix(countryCode, "+") + digits
	}
	return "+" + digits
}

// IsWhatsAppAddress reports whether a gateway address carries the whatsapp: scheme.
func IsWhatsAppAddress(v string) bool {
	v = strings.TrimSpace(v)
	return len(v) >= len(whatsappPrefix) && strings.EqualFold(v[:len(whatsappPrefix)], whatsappPrefix)
}

func phoneContact(raw, countryCode, provider string) domain.Contact {
	n := NormalizePhone(raw, countryCode)
	return domain.Contact{
		Identifier:      n,
		NormalizedValue: n,
		RawValue:        raw,
		Type:            domain.ContactPhone,
		Provider:        provider,
	}
}

// NormalizeEmail extracts and lower-cases the address from a value that may
// carry a display name ("Sarah <sarah@example.com>").
func NormalizeEmail(raw string) (address, name string) {
	raw = strings.TrimSpace(raw)
	if a, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(a.Address), a.Name
	}
	return strings.ToLower(strings.Trim(raw, "<> ")), ""
}

func emailContact(raw, provider string) domain.Contact {
	addr, _ := NormalizeEmail(raw)
	return domain.Contact{
		Identifier:      addr,
		NormalizedValue: addr,
		RawValue:        raw,
		Type:            domain.ContactEmail,
		Provider:        provider,
	}
}

// socialContact identifies a chat-platform account. id is the stable platform
// identifier; handle is the display handle when known.
func socialContact(id, handle, provider string) domain.Contact {
	raw := handle
	if raw == "" {
		raw = id
	}
	return domain.Contact{
		Identifier:      id,
		NormalizedValue: strings.ToLower(strings.TrimSpace(id)),
		RawValue:        raw,
		Type:            domain.ContactSocial,
		Provider:        provider,
	}
}

func isBlank(s string) bool {
	return strings.TrimFunc(s, unicode.IsSpace) == ""
}
