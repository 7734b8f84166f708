package signature

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SignContext carries the request attributes some kinds sign over.
type SignContext struct {
	WebhookURL string    // twilio
	Timestamp  time.Time // slack; zero means now
}

// GenerateSignature is the inverse of Verify: it returns the header value a
// vendor would send for rawBody.
func GenerateSignature(kind Kind, rawBody []byte, cfg SecretConfig, sc SignContext) (string, error) {
	switch kind {
	case KindTwilio:
		if sc.WebhookURL == "" {
			return "", ErrWebhookURLRequired
		}
		sum := computeHMAC(sha1.New, cfg.Secret, []byte(sc.WebhookURL), rawBody)
		return base64.StdEncoding.EncodeToString(sum), nil
	case KindMeta:
		return "sha256=" + hex.EncodeToString(computeHMAC(sha256.New, cfg.Secret, rawBody)), nil
	case KindSlack:
		ts := slackTimestamp(sc.Timestamp)
		return "v0=" + hex.EncodeToString(computeHMAC(sha256.New, cfg.Secret, slackBase(ts, rawBody))), nil
	case KindToken:
		return cfg.Secret, nil
	case KindGeneric:
		algo := genericAlgorithm(cfg.Algorithm)
		newHash, err := hashFor(algo)
		if err != nil {
			return "", err
		}
		return encodeSignature(cfg.Encoding, computeHMAC(newHash, cfg.Secret, rawBody))
	}
	return "", fmt.Errorf("unsupported signature kind %q", kind)
}

// SignedHeaders builds the full header set for a signed request, including the
// Slack timestamp header. Used by first-party senders and tests.
func SignedHeaders(kind Kind, rawBody []byte, cfg SecretConfig, sc SignContext) (http.Header, error) {
	if kind == KindSlack && sc.Timestamp.IsZero() {
		sc.Timestamp = time.Now()
	}
	sig, err := GenerateSignature(kind, rawBody, cfg, sc)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	switch kind {
	case KindTwilio:
		h.Set(firstNonEmpty(cfg.SignatureHeader, HeaderTwilio), sig)
	case KindMeta:
		h.Set(firstNonEmpty(cfg.SignatureHeader, HeaderMeta), sig)
	case KindSlack:
		h.Set(firstNonEmpty(cfg.SignatureHeader, HeaderSlack), sig)
		h.Set(firstNonEmpty(cfg.TimestampHeader, HeaderSlackTimestamp), slackTimestamp(sc.Timestamp))
	case KindToken:
		h.Set(firstNonEmpty(cfg.SignatureHeader, HeaderToken), sig)
	case KindGeneric:
		h.Set(firstNonEmpty(cfg.SignatureHeader, HeaderGeneric), sig)
	}
	return h, nil
}

func slackTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
