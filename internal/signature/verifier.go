// Package signature authenticates webhook deliveries. Each provider kind has
// its own canonicalization rule; all comparisons are constant-time.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindTwilio  Kind = "twilio"  // base64(HMAC-SHA1(secret, url+body))
	KindMeta    Kind = "meta"    // sha256= + hex(HMAC-SHA256(secret, body))
	KindSlack   Kind = "slack"   // v0= + hex(HMAC-SHA256(secret, "v0:ts:body"))
	KindToken   Kind = "token"   // literal shared token
	KindGeneric Kind = "generic" // configurable HMAC
)

const DefaultTolerance = 300 * time.Second

// Default header names per kind.
const (
	HeaderTwilio         = "X-Twilio-Signature"
	HeaderMeta           = "X-Hub-Signature-256"
	HeaderSlack          = "X-Slack-Signature"
	HeaderSlackTimestamp = "X-Slack-Request-Timestamp"
	HeaderToken          = "X-Channel-Token"
	HeaderGeneric        = "X-Signature"
)

// Verification messages surfaced in Result.Error.
const (
	MsgMissingSignature = "Missing signature"
	MsgMissingTimestamp = "Missing timestamp"
	MsgInvalidSignature = "Invalid signature"
	MsgInvalidTimestamp = "Invalid timestamp"
	MsgRequestTooOld    = "Request too old"
)

// ErrWebhookURLRequired is a configuration failure, not a verification failure.
var ErrWebhookURLRequired = errors.New("Webhook URL required")

// SecretConfig holds the per-provider verification settings.
type SecretConfig struct {
	ProviderID      string
	Secret          string
	Algorithm       string        // generic only: sha1 | sha256 | sha512 (default sha256)
	Encoding        string        // generic only: hex | base64 (default hex)
	Tolerance       time.Duration // slack only (default 300s)
	SignatureHeader string        // overrides the kind's default header
	TimestampHeader string        // slack only
}

// Result is the outcome of a verification. Valid=false carries a human-readable reason.
type Result struct {
	Valid      bool      `json:"valid"`
	Error      string    `json:"error,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Missing reports whether the request carried no signature at all.
func (r Result) Missing() bool {
	return !r.Valid && (r.Error == MsgMissingSignature || r.Error == MsgMissingTimestamp)
}

// Verifier checks webhook signatures. The zero value is usable.
type Verifier struct {
	now func() time.Time
}

func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// WithClock returns a verifier using the given clock for timestamp tolerance checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

func (v *Verifier) clock() time.Time {
	if v == nil || v.now == nil {
		return time.Now()
	}
	return v.now()
}

// Verify authenticates rawBody against the signature headers. The returned error
// is reserved for configuration problems (unknown kind, missing webhook URL);
// every signature mismatch is reported through Result.
func (v *Verifier) Verify(kind Kind, rawBody []byte, headers http.Header, cfg SecretConfig, webhookURL string) (Result, error) {
	res := Result{ProviderID: cfg.ProviderID}

	switch kind {
	case KindTwilio:
		if webhookURL == "" {
			return res, ErrWebhookURLRequired
		}
		sig := headerValue(headers, cfg.SignatureHeader, HeaderTwilio)
		if sig == "" {
			return res.fail(MsgMissingSignature), nil
		}
		provided, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			return res.fail(MsgInvalidSignature), nil
		}
		expected := computeHMAC(sha1.New, cfg.Secret, []byte(webhookURL), rawBody)
		return res.check(hmac.Equal(provided, expected)), nil

	case KindMeta:
		sig := headerValue(headers, cfg.SignatureHeader, HeaderMeta)
		if sig == "" {
			return res.fail(MsgMissingSignature), nil
		}
		sig = strings.TrimPrefix(sig, "sha256=")
		provided, err := hex.DecodeString(sig)
		if err != nil {
			return res.fail(MsgInvalidSignature), nil
		}
		expected := computeHMAC(sha256.New, cfg.Secret, rawBody)
		return res.check(hmac.Equal(provided, expected)), nil

	case KindSlack:
		sig := headerValue(headers, cfg.SignatureHeader, HeaderSlack)
		tsRaw := headerValue(headers, cfg.TimestampHeader, HeaderSlackTimestamp)
		if tsRaw == "" {
			return res.fail(MsgMissingTimestamp), nil
		}
		if sig == "" {
			return res.fail(MsgMissingSignature), nil
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(tsRaw), 10, 64)
		if err != nil {
			return res.fail(MsgInvalidTimestamp), nil
		}
		res.Timestamp = time.Unix(ts, 0)
		tolerance := cfg.Tolerance
		if tolerance <= 0 {
			tolerance = DefaultTolerance
		}
		if age := v.clock().Sub(res.Timestamp); age > tolerance || age < -tolerance {
			return res.fail(MsgRequestTooOld), nil
		}
		hexSig, ok := strings.CutPrefix(sig, "v0=")
		if !ok {
			return res.fail(MsgInvalidSignature), nil
		}
		provided, err := hex.DecodeString(hexSig)
		if err != nil {
			return res.fail(MsgInvalidSignature), nil
		}
		expected := computeHMAC(sha256.New, cfg.Secret, slackBase(tsRaw, rawBody))
		return res.check(hmac.Equal(provided, expected)), nil

	case KindToken:
		tok := headerValue(headers, cfg.SignatureHeader, HeaderToken)
		if tok == "" {
			return res.fail(MsgMissingSignature), nil
		}
		ok := subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.Secret)) == 1
		return res.check(ok && cfg.Secret != ""), nil

	case KindGeneric:
		sig := headerValue(headers, cfg.SignatureHeader, HeaderGeneric)
		if sig == "" {
			return res.fail(MsgMissingSignature), nil
		}
		algo := genericAlgorithm(cfg.Algorithm)
		newHash, err := hashFor(algo)
		if err != nil {
			return res, err
		}
		sig = strings.TrimPrefix(sig, algo+"=")
		provided, err := decodeSignature(cfg.Encoding, sig)
		if err != nil {
			return res.fail(MsgInvalidSignature), nil
		}
		expected := computeHMAC(newHash, cfg.Secret, rawBody)
		return res.check(hmac.Equal(provided, expected)), nil
	}

	return res, fmt.Errorf("unsupported signature kind %q", kind)
}

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTwilio, KindMeta, KindSlack, KindToken, KindGeneric:
		return k, nil
	case "":
		return "", errors.New("signature kind is empty")
	default:
		return "", fmt.Errorf("unsupported signature kind %q", s)
	}
}

func (r Result) fail(reason string) Result {
	r.Valid = false
	r.Error = reason
	return r
}

func (r Result) check(ok bool) Result {
	if !ok {
		return r.fail(MsgInvalidSignature)
	}
	r.Valid = true
	r.Error = ""
	return r
}

func headerValue(h http.Header, override, fallback string) string {
	if h == nil {
		return ""
	}
	name := fallback
	if override != "" {
		name = override
	}
	return strings.TrimSpace(h.Get(name))
}

func computeHMAC(newHash func() hash.Hash, secret string, parts ...[]byte) []byte {
	mac := hmac.New(newHash, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func slackBase(ts string, body []byte) []byte {
	base := make([]byte, 0, len(ts)+len(body)+4)
	base = append(base, "v0:"...)
	base = append(base, ts...)
	base = append(base, ':')
	return append(base, body...)
}

func genericAlgorithm(a string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	if a == "" {
		return "sha256"
	}
	return a
}

func hashFor(algo string) (func() hash.Hash, error) {
	switch algo {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unsupported hmac algorithm %q", algo)
}

func decodeSignature(encoding, sig string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "hex":
		return hex.DecodeString(sig)
	case "base64":
		return base64.StdEncoding.DecodeString(sig)
	}
	return nil, fmt.Errorf("unsupported signature encoding %q", encoding)
}

func encodeSignature(encoding string, sum []byte) (string, error) {
	switch strings.ToLower(encoding) {
	case "", "hex":
		return hex.EncodeToString(sum), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(sum), nil
	}
	return "", fmt.Errorf("unsupported signature encoding %q", encoding)
}
