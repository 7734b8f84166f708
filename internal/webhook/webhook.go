// Package webhook exposes the ingestion pipeline over HTTP: one POST route
// per configured provider, plus health and metrics endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"commhub/internal/domain"
	"commhub/internal/events"
	"commhub/internal/ingest"
	"commhub/internal/metrics"
	"commhub/internal/signature"
)

const defaultMaxBody = 1 << 20 // 1MB

// Provider is one webhook source as the receiver sees it.
type Provider struct {
	ID          string
	Type        string         // normalizer registry key
	Kind        signature.Kind // empty disables verification
	Secret      signature.SecretConfig
	WebhookURL  string // signed URL for twilio
	VerifyToken string // meta hub.verify_token
}

// Ingester is the part of *ingest.Pipeline the receiver drives.
type Ingester interface {
	ProcessMessage(ctx context.Context, raw domain.RawProviderMessage, opts ingest.Options) domain.IngestionResult
}

type Config struct {
	Providers    []Provider
	Pipeline     Ingester
	Options      ingest.Options
	Verifier     *signature.Verifier // zero verifier when nil
	Events       *events.Bus
	Metrics      metrics.Recorder
	Collector    *metrics.MetricsCollector // served on MetricsPath; global collector when nil
	MetricsPath  string                    // empty disables the endpoint
	MaxBodyBytes int64
	RatePerMin   int // per-provider deliveries per minute; 0 disables
	RateBurst    int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Receiver routes provider webhooks into the pipeline.
type Receiver struct {
	providers map[string]Provider
	pipeline  Ingester
	opts      ingest.Options
	verifier  *signature.Verifier
	events    *events.Bus
	metrics   metrics.Recorder
	maxBody   int64
	limiter   *rateLimiter // nil when unlimited
	logger    *slog.Logger
	now       func() time.Time
	mux       *http.ServeMux
}

func New(cfg Config) (*Receiver, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("webhook: pipeline is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = signature.NewVerifier()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Receiver{
		providers: make(map[string]Provider, len(cfg.Providers)),
		pipeline:  cfg.Pipeline,
		opts:      cfg.Options,
		verifier:  cfg.Verifier,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		maxBody:   cfg.MaxBodyBytes,
		logger:    cfg.Logger,
		now:       cfg.Now,
		mux:       http.NewServeMux(),
	}
	if cfg.RatePerMin > 0 {
		r.limiter = newRateLimiter(cfg.RateBurst, float64(cfg.RatePerMin), cfg.Now)
	}
	for _, p := range cfg.Providers {
		if p.ID == "" {
			return nil, errors.New("webhook: provider id is required")
		}
		if _, dup := r.providers[p.ID]; dup {
			return nil, fmt.Errorf("webhook: duplicate provider id %q", p.ID)
		}
		p.Secret.ProviderID = p.ID
		r.providers[p.ID] = p
	}

	r.mux.HandleFunc("POST /webhooks/{providerID}", r.handleDelivery)
	r.mux.HandleFunc("GET /webhooks/{providerID}", r.handleChallenge)
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	if cfg.MetricsPath != "" {
		c := cfg.Collector
		if c == nil {
			c = metrics.Collector
		}
		r.mux.Handle("GET "+cfg.MetricsPath, c.Handler())
	}
	return r, nil
}

func (r *Receiver) Handler() http.Handler { return r.mux }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string, readTimeout time.Duration) error {
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		IdleTimeout:       60 * time.Second,
	}

	r.logger.Info("webhook server starting", "addr", addr, "providers", len(r.providers))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// Response is the JSON body of every delivery response.
type Response struct {
	Status         domain.IngestionStatus `json:"status,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	CustomerID     string                 `json:"customer_id,omitempty"`
	Code           domain.ErrorCode       `json:"code,omitempty"`
	Message        string                 `json:"message,omitempty"`
}

func (r *Receiver) handleDelivery(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("providerID")
	p, ok := r.providers[id]
	if !ok {
		writeError(rw, http.StatusNotFound, domain.CodeProviderNotSupported, "unknown provider "+id)
		return
	}
	log := r.logger.With("provider", id)

	if r.limiter != nil {
		if ok, wait := r.limiter.Allow(id); !ok {
			log.Warn("webhook rate limited", "retry_after", wait)
			rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(rw, http.StatusTooManyRequests, "RATE_LIMITED", "too many deliveries")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(rw, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, http.StatusRequestEntityTooLarge, domain.CodeInvalidPayload, "request body too large")
			return
		}
		writeError(rw, http.StatusBadRequest, domain.CodeInvalidPayload, "cannot read request body")
		return
	}
	defer req.Body.Close()

	if p.Kind != "" {
		res, err := r.verifier.Verify(p.Kind, body, req.Header, p.Secret, p.WebhookURL)
		if err != nil {
			log.Error("signature verification misconfigured", "err", err)
			writeError(rw, http.StatusInternalServerError, domain.CodeInternal, "signature verification misconfigured")
			return
		}
		if !res.Valid {
			status, code := http.StatusForbidden, domain.CodeSignatureInvalid
			if res.Missing() {
				status, code = http.StatusUnauthorized, domain.CodeSignatureMissing
			}
			r.reject(p, code, res.Error, req)
			writeError(rw, status, code, res.Error)
			return
		}
	}

	if p.Type == "slack" && gjson.GetBytes(body, "type").String() == "url_verification" {
		writeJSON(rw, http.StatusOK, map[string]string{"challenge": gjson.GetBytes(body, "challenge").String()})
		return
	}

	raw := domain.RawProviderMessage{
		ProviderID:    p.ID,
		ProviderType:  p.Type,
		Payload:       body,
		PayloadFormat: payloadFormat(req),
		ReceivedAt:    r.now(),
	}
	result := r.pipeline.ProcessMessage(req.Context(), raw, r.opts)

	status, resp := responseFor(result)
	if status == http.StatusServiceUnavailable {
		rw.Header().Set("Retry-After", "1")
	}
	log.Debug("webhook handled", "status", result.Status, "http_status", status, "bytes", len(body))
	writeJSON(rw, status, resp)
}

// responseFor maps a pipeline outcome onto an HTTP status. Providers retry
// on non-2xx, so duplicates are acknowledged and only retryable failures
// ask for redelivery.
func responseFor(res domain.IngestionResult) (int, Response) {
	resp := Response{Status: res.Status, MessageID: res.MessageID}
	if res.ThreadingContext != nil {
		resp.ConversationID = res.ThreadingContext.ConversationID
	}
	if res.IdentityResolution != nil {
		resp.CustomerID = res.IdentityResolution.CustomerID
	}

	switch res.Status {
	case domain.StatusSuccess:
		return http.StatusOK, resp
	case domain.StatusDuplicate:
		resp.Code = domain.CodeDuplicateMessage
		return http.StatusAccepted, resp
	}

	status := http.StatusInternalServerError
	if res.Error != nil {
		resp.Code = res.Error.Code
		resp.Message = res.Error.Message
		switch {
		case res.Error.Code == domain.CodeInvalidPayload || res.Error.Code == domain.CodeProviderNotSupported:
			status = http.StatusUnprocessableEntity
		case res.Error.Retryable:
			status = http.StatusServiceUnavailable
		}
	}
	return status, resp
}

// handleChallenge answers the Meta subscription handshake.
func (r *Receiver) handleChallenge(rw http.ResponseWriter, req *http.Request) {
	p, ok := r.providers[req.PathValue("providerID")]
	if !ok {
		http.Error(rw, "Not Found", http.StatusNotFound)
		return
	}
	q := req.URL.Query()
	mode := q.Get("hub.mode")
	if p.VerifyToken != "" && mode == "subscribe" && q.Get("hub.verify_token") == p.VerifyToken {
		r.logger.Info("webhook subscription verified", "provider", p.ID)
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(q.Get("hub.challenge")))
		return
	}

	r.logger.Warn("webhook subscription verification failed", "provider", p.ID, "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (r *Receiver) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "providers": len(r.providers)})
}

func (r *Receiver) reject(p Provider, code domain.ErrorCode, reason string, req *http.Request) {
	r.logger.Warn("webhook rejected", "provider", p.ID, "code", code, "reason", reason, "remote", req.RemoteAddr)
	r.metrics.SignatureRejected(p.ID, string(code))
	r.events.Emit(events.Event{
		Type:    events.WebhookRejected,
		Source:  p.ID,
		Payload: map[string]any{"code": string(code), "reason": reason},
	})
}

// payloadFormat reports the body encoding from Content-Type; unknown types
// are left empty for the normalizer to sniff.
func payloadFormat(req *http.Request) domain.PayloadFormat {
	mt, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded":
		return domain.PayloadForm
	case "application/json":
		return domain.PayloadJSON
	}
	return ""
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}

func writeError(rw http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	writeJSON(rw, status, Response{Status: domain.StatusFailed, Code: code, Message: message})
}
