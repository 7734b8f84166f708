package identity

import (
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"commhub/internal/domain"
)

// Fuzzy scores stay below the 1.0 reserved for exact matches. Values that
// still differ after formatting is stripped never match: mika@ and mike@ are
// different people.
const (
	scoreFormatting  = 0.95 // same value once formatting is stripped
	scorePhoneSuffix = 0.9  // same subscriber number, different country prefix
	minSuffixDigits  = 10
	phoneFragmentLen = 7
)

// candidateFragment is the substring used to pull plausible candidates from
// the store before scoring.
func candidateFragment(c domain.Contact) string {
	switch c.Type {
	case domain.ContactPhone:
		d := digits(firstNonEmpty(c.NormalizedValue, c.RawValue))
		if len(d) > phoneFragmentLen {
			d = d[len(d)-phoneFragmentLen:]
		}
		return d
	case domain.ContactEmail:
		// Emails only match within their domain.
		_, dom := splitEmail(firstNonEmpty(c.NormalizedValue, c.RawValue))
		if dom == "" {
			return ""
		}
		return "@" + dom
	default:
		return stripHandle(firstNonEmpty(c.NormalizedValue, c.RawValue))
	}
}

// matchScore compares a contact value with a stored identity value of the
// same type. Phones only match on digits; emails only within one domain.
func matchScore(t domain.ContactType, a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	switch t {
	case domain.ContactPhone:
		da, db := digits(a), digits(b)
		if da == "" || db == "" {
			return 0
		}
		if da == db {
			return scoreFormatting
		}
		short, long := da, db
		if len(short) > len(long) {
			short, long = long, short
		}
		if len(short) >= minSuffixDigits && strings.HasSuffix(long, short) {
			return scorePhoneSuffix
		}
		return 0
	case domain.ContactEmail:
		la, doma := splitEmail(a)
		lb, domb := splitEmail(b)
		if doma == "" || doma != domb {
			return 0
		}
		if ca := canonicalLocal(la); ca != "" && ca == canonicalLocal(lb) {
			return scoreFormatting
		}
		return 0
	default:
		ha, hb := stripHandle(a), stripHandle(b)
		if ha == "" || hb == "" {
			return 0
		}
		if ha == hb {
			return scoreFormatting
		}
		return 0
	}
}

// SuggestName proposes a display name for a new customer: an email display
// name or title-cased local part, or the literal handle for social contacts.
// Phone numbers carry no name.
func SuggestName(c domain.Contact) *string {
	switch c.Type {
	case domain.ContactEmail:
		if a, err := mail.ParseAddress(c.RawValue); err == nil && strings.TrimSpace(a.Name) != "" {
			name := strings.TrimSpace(a.Name)
			return &name
		}
		local, _ := splitEmail(firstNonEmpty(c.NormalizedValue, c.RawValue))
		local, _, _ = strings.Cut(local, "+")
		parts := strings.FieldsFunc(local, func(r rune) bool { return r == '.' || r == '_' || r == '-' })
		if len(parts) == 0 {
			return nil
		}
		name := cases.Title(language.Und).String(strings.Join(parts, " "))
		return &name
	case domain.ContactSocial:
		handle := strings.TrimSpace(firstNonEmpty(c.RawValue, c.NormalizedValue))
		if handle == "" {
			return nil
		}
		return &handle
	default:
		return nil
	}
}

func splitEmail(v string) (local, domainPart string) {
	v = strings.ToLower(strings.TrimSpace(v))
	if a, err := mail.ParseAddress(v); err == nil {
		v = strings.ToLower(a.Address)
	}
	i := strings.LastIndexByte(v, '@')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

// canonicalLocal drops +tags and dots, the two formatting variations mail
// providers commonly treat as the same mailbox.
func canonicalLocal(local string) string {
	local, _, _ = strings.Cut(local, "+")
	return strings.ReplaceAll(local, ".", "")
}

func stripHandle(v string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, v)
}

func digits(v string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
