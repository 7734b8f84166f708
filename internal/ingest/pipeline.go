// Package ingest runs a raw provider delivery through normalization,
// idempotency, deduplication, identity resolution, threading and
// persistence, and reports the outcome as a domain.IngestionResult.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"commhub/internal/dedup"
	"commhub/internal/domain"
	"commhub/internal/events"
	"commhub/internal/idempotency"
	"commhub/internal/identity"
	"commhub/internal/metrics"
	"commhub/internal/normalize"
	"commhub/internal/threading"
)

// Options select which optional stages run and tune the ones that do.
type Options struct {
	SkipDuplicateCheck       bool
	SkipIdentityResolution   bool
	SkipThreading            bool
	ProceedOnIdentityFailure bool          // persist without a customer when identity fails
	StageTimeout             time.Duration // bound for each store call; 0 means none

	Dedup     dedup.Options
	Identity  identity.Options
	Threading threading.Options
}

func DefaultOptions() Options {
	return Options{
		ProceedOnIdentityFailure: true,
		StageTimeout:             10 * time.Second,
		Dedup:                    dedup.DefaultOptions(),
		Identity:                 identity.DefaultOptions(),
		Threading:                threading.DefaultOptions(),
	}
}

const defaultBatchConcurrency = 8

// Config holds the pipeline's collaborators. Store and Registry are required.
type Config struct {
	Store            domain.Store
	Registry         *normalize.Registry
	Guard            *idempotency.Guard // a private guard is created when nil
	Events           *events.Bus        // optional
	Metrics          metrics.Recorder
	Logger           *slog.Logger
	Now              func() time.Time
	BatchConcurrency int
}

// Pipeline is safe for concurrent use; the idempotency guard is its only
// mutable state.
type Pipeline struct {
	store    domain.Store
	registry *normalize.Registry
	guard    *idempotency.Guard
	dedup    *dedup.Deduplicator
	resolver *identity.Resolver
	grouper  *threading.Grouper
	events   *events.Bus
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	batchMax int
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("ingest: normalizer registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Guard == nil {
		cfg.Guard = idempotency.New(idempotency.Config{Now: cfg.Now, Logger: cfg.Logger})
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	return &Pipeline{
		store:    cfg.Store,
		registry: cfg.Registry,
		guard:    cfg.Guard,
		dedup:    dedup.New(dedup.Config{Store: cfg.Store, Logger: cfg.Logger}),
		resolver: identity.NewResolver(identity.Config{Store: cfg.Store, Logger: cfg.Logger, Now: cfg.Now}),
		grouper:  threading.NewGrouper(threading.GrouperConfig{Store: cfg.Store, Logger: cfg.Logger, Now: cfg.Now}),
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		batchMax: cfg.BatchConcurrency,
	}, nil
}

// Guard exposes the idempotency guard so maintenance jobs can sweep it.
func (p *Pipeline) Guard() *idempotency.Guard { return p.guard }

// Grouper exposes the conversation grouper for archive jobs.
func (p *Pipeline) Grouper() *threading.Grouper { return p.grouper }

// trace accumulates per-run bookkeeping.
type trace struct {
	completed []string
	failed    []string
	dupType   domain.DuplicateType
}

func (t *trace) done(stage string) { t.completed = append(t.completed, stage) }
func (t *trace) fail(stage string) { t.failed = append(t.failed, stage) }

// ProcessMessage ingests one delivery. It never returns an error or panics;
// every outcome, including failure, is a result value.
func (p *Pipeline) ProcessMessage(ctx context.Context, raw domain.RawProviderMessage, opts Options) (res domain.IngestionResult) {
	start := time.Now()
	tr := &trace{}
	log := p.logger.With("provider", raw.ProviderID, "provider_type", raw.ProviderType)

	defer func() {
		if r := recover(); r != nil {
			log.Error("ingestion panic", "panic", r, "stack", string(debug.Stack()))
			res.Status = domain.StatusFailed
			res.Error = domain.NewIngestionError(domain.CodeInternal, "", fmt.Errorf("panic: %v", r))
		}
		res.ProcessingMetrics = domain.ProcessingMetrics{
			StagesCompleted: tr.completed,
			StagesFailed:    tr.failed,
			Duration:        time.Since(start),
		}
		p.report(raw, res, tr, log)
	}()

	// normalize
	n, ok := p.registry.Lookup(raw.ProviderType)
	if !ok {
		tr.fail(domain.StageNormalize)
		return failed(domain.CodeProviderNotSupported, domain.StageNormalize,
			fmt.Errorf("no normalizer registered for provider type %q", raw.ProviderType))
	}
	msg, err := n.Normalize(ctx, raw)
	if err != nil {
		tr.fail(domain.StageNormalize)
		return failed(domain.CodeInvalidPayload, domain.StageNormalize, err)
	}
	tr.done(domain.StageNormalize)
	res.NormalizedMessage = &msg
	log = log.With("provider_message_id", msg.ProviderMessageID)

	// media resolution already happened inside the normalizer; record its outcome
	if len(msg.Attachments) > 0 {
		if missing := normalize.UnresolvedAttachments(msg); missing > 0 {
			tr.fail(domain.StageMedia)
			log.Warn("attachments left unresolved", "count", missing, "code", domain.CodeMediaFetch)
		} else {
			tr.done(domain.StageMedia)
		}
	}

	// idempotency
	key := deliveryKey(msg)
	if existing, hit := p.guard.CheckIdempotency(key); hit {
		tr.done(domain.StageIdempotency)
		tr.dupType = domain.DuplicateProviderID
		log.Debug("idempotency cache hit", "message_id", existing)
		res.Status = domain.StatusDuplicate
		res.MessageID = existing
		return res
	}
	tr.done(domain.StageIdempotency)

	v, leader, _ := p.guard.Do(key, func() (any, error) {
		return p.runStages(ctx, msg, opts, log), nil
	})
	out := v.(*outcome)
	if !leader {
		metrics.IdempotencyCollapsed.Inc()
		log.Debug("collapsed onto in-flight delivery", "status", out.status)
		switch out.status {
		case domain.StatusSuccess, domain.StatusDuplicate:
			tr.dupType = domain.DuplicateProviderID
			res.Status = domain.StatusDuplicate
			res.MessageID = out.messageID
		default:
			res.Status = domain.StatusFailed
			res.Error = out.err
		}
		return res
	}

	tr.completed = append(tr.completed, out.completed...)
	tr.failed = append(tr.failed, out.failed...)
	tr.dupType = out.dupType
	res.Status = out.status
	res.MessageID = out.messageID
	res.IdentityResolution = out.identity
	res.ThreadingContext = out.threading
	res.Error = out.err
	if out.messageID != "" && out.status != domain.StatusFailed {
		p.guard.MarkAsProcessed(key, out.messageID)
	}
	return res
}

// outcome is what the leader of an idempotency key computed; followers read
// it without touching the store.
type outcome struct {
	trace
	status    domain.IngestionStatus
	messageID string
	identity  *domain.IdentityResolution
	threading *domain.ThreadingResult
	err       *domain.IngestionError
}

func (p *Pipeline) runStages(ctx context.Context, msg domain.NormalizedMessage, opts Options, log *slog.Logger) (out *outcome) {
	out = &outcome{}
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage panic", "panic", r, "stack", string(debug.Stack()))
			out.status = domain.StatusFailed
			out.err = domain.NewIngestionError(domain.CodeInternal, "", fmt.Errorf("panic: %v", r))
		}
	}()

	// dedup
	if !opts.SkipDuplicateCheck {
		dup, err := withTimeout(ctx, opts.StageTimeout, func(ctx context.Context) (domain.DuplicateCheckResult, error) {
			return p.dedup.CheckForDuplicate(ctx, msg, opts.Dedup)
		})
		switch {
		case err != nil:
			// the store's unique constraint still guards the write
			out.fail(domain.StageDedup)
			log.Warn("duplicate check failed", "err", err)
		case dup.IsDuplicate:
			out.done(domain.StageDedup)
			out.dupType = dup.DuplicateType
			out.status = domain.StatusDuplicate
			out.messageID = dup.ExistingMessageID
			return out
		default:
			out.done(domain.StageDedup)
		}
	}

	// identity
	var customerID string
	if !opts.SkipIdentityResolution {
		resolution, err := p.resolveIdentity(ctx, msg, opts)
		if err != nil {
			out.fail(domain.StageIdentity)
			if !opts.ProceedOnIdentityFailure {
				out.status = domain.StatusFailed
				out.err = domain.NewIngestionError(domain.CodeIdentityResolution, domain.StageIdentity, err)
				return out
			}
			log.Warn("identity resolution failed, continuing without customer", "err", err)
		} else {
			out.done(domain.StageIdentity)
			out.identity = &resolution
			customerID = resolution.CustomerID
		}
	}

	// threading
	var conversationID string
	if !opts.SkipThreading {
		thr, err := withTimeout(ctx, opts.StageTimeout, func(ctx context.Context) (domain.ThreadingResult, error) {
			return p.grouper.GroupIntoConversation(ctx, msg, customerID, opts.Threading)
		})
		if err != nil {
			out.fail(domain.StageThreading)
			log.Warn("conversation grouping failed", "err", err)
		} else {
			out.done(domain.StageThreading)
			out.threading = &thr
			conversationID = thr.ConversationID
			if thr.IsNewConversation {
				p.emit(events.ConversationCreated, msg.ProviderID, map[string]any{
					"conversation_id": thr.ConversationID,
					"thread_key":      thr.ThreadKey,
					"customer_id":     customerID,
					"channel":         string(msg.Channel),
				})
			}
		}
	}

	// persist
	stored := domain.StoredFrom(msg, customerID, conversationID)
	id, err := withTimeout(ctx, opts.StageTimeout, func(ctx context.Context) (string, error) {
		return p.store.CreateMessage(ctx, stored)
	})
	if errors.Is(err, domain.ErrConflict) {
		out.done(domain.StagePersist)
		out.dupType = domain.DuplicateProviderID
		out.status = domain.StatusDuplicate
		out.messageID = p.existingID(ctx, msg, opts.StageTimeout)
		log.Info("message already stored", "message_id", out.messageID)
		return out
	}
	if err != nil {
		out.fail(domain.StagePersist)
		out.status = domain.StatusFailed
		out.err = domain.NewIngestionError(domain.CodePersistence, domain.StagePersist, err)
		return out
	}
	out.done(domain.StagePersist)
	out.status = domain.StatusSuccess
	out.messageID = id

	// activity
	if conversationID != "" {
		_, err := withTimeout(ctx, opts.StageTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.grouper.UpdateConversationActivity(ctx, conversationID, msg.Timestamp, threading.MessageTags(msg))
		})
		if err != nil {
			out.fail(domain.StageActivity)
			log.Warn("conversation activity update failed", "conversation_id", conversationID, "err", err)
		} else {
			out.done(domain.StageActivity)
		}
	}
	return out
}

// resolveIdentity resolves both sides and persists the customer side when it
// is new or matched fuzzily.
func (p *Pipeline) resolveIdentity(ctx context.Context, msg domain.NormalizedMessage, opts Options) (domain.IdentityResolution, error) {
	both, err := withTimeout(ctx, opts.StageTimeout, func(ctx context.Context) (identity.BothContacts, error) {
		return p.resolver.ResolveBothContacts(ctx, msg.From, msg.To, msg.Direction, opts.Identity)
	})
	if err != nil {
		return domain.IdentityResolution{}, err
	}
	res := both.Customer
	if !res.IsNewCustomer && (res.CustomerID == "" || res.Confidence >= 1.0) {
		return res, nil
	}
	linked, _, err := withTimeout2(ctx, opts.StageTimeout, func(ctx context.Context) (domain.IdentityResolution, *domain.Identity, error) {
		return p.resolver.CreateOrLinkIdentity(ctx, both.CustomerContact, res)
	})
	if err != nil {
		return res, err
	}
	if linked.IsNewCustomer && linked.CustomerID != "" {
		p.emit(events.CustomerCreated, msg.ProviderID, map[string]any{
			"customer_id":  linked.CustomerID,
			"contact_type": string(both.CustomerContact.Type),
			"channel":      string(msg.Channel),
		})
	}
	return linked, nil
}

func (p *Pipeline) existingID(ctx context.Context, msg domain.NormalizedMessage, timeout time.Duration) string {
	existing, err := withTimeout(ctx, timeout, func(ctx context.Context) (*domain.StoredMessage, error) {
		return p.store.FindMessageByProviderID(ctx, msg.ProviderID, msg.ProviderMessageID)
	})
	if err != nil || existing == nil {
		return ""
	}
	return existing.ID
}

func (p *Pipeline) report(raw domain.RawProviderMessage, res domain.IngestionResult, tr *trace, log *slog.Logger) {
	p.metrics.Ingested(raw.ProviderID, string(res.Status), res.ProcessingMetrics.Duration)
	for _, s := range tr.failed {
		p.metrics.StageFailed(s)
	}

	switch res.Status {
	case domain.StatusSuccess:
		payload := map[string]any{"message_id": res.MessageID}
		if res.NormalizedMessage != nil {
			payload["channel"] = string(res.NormalizedMessage.Channel)
			payload["direction"] = string(res.NormalizedMessage.Direction)
		}
		if res.IdentityResolution != nil {
			payload["customer_id"] = res.IdentityResolution.CustomerID
		}
		if res.ThreadingContext != nil {
			payload["conversation_id"] = res.ThreadingContext.ConversationID
		}
		p.emit(events.MessageIngested, raw.ProviderID, payload)
		log.Info("message ingested", "message_id", res.MessageID,
			"stages_failed", strings.Join(tr.failed, ","), "duration", res.ProcessingMetrics.Duration)

	case domain.StatusDuplicate:
		p.metrics.Duplicate(string(tr.dupType))
		p.emit(events.MessageDuplicate, raw.ProviderID, map[string]any{
			"message_id":     res.MessageID,
			"duplicate_type": string(tr.dupType),
		})
		log.Info("duplicate delivery", "message_id", res.MessageID, "duplicate_type", tr.dupType)

	case domain.StatusFailed:
		payload := map[string]any{}
		if res.Error != nil {
			payload["code"] = string(res.Error.Code)
			payload["stage"] = res.Error.Stage
			payload["retryable"] = res.Error.Retryable
		}
		p.emit(events.MessageFailed, raw.ProviderID, payload)
		log.Error("ingestion failed", "err", res.Error)
	}
}

func (p *Pipeline) emit(eventType, source string, payload map[string]any) {
	p.events.Emit(events.Event{Type: eventType, Source: source, Payload: payload, Timestamp: p.now()})
}

// deliveryKey falls back to the content hash for providers that do not
// assign message IDs. A receipt time stands in for a missing event time only
// in storage: it differs on every redelivery, so it stays out of the key.
func deliveryKey(msg domain.NormalizedMessage) string {
	id := msg.ProviderMessageID
	if id == "" {
		id = "hash:" + msg.MessageHash
	}
	var ts time.Time
	if !msg.ReceiptTimestamp {
		ts = msg.Timestamp
	}
	return idempotency.Key(msg.ProviderID, id, ts)
}

func failed(code domain.ErrorCode, stage string, err error) domain.IngestionResult {
	return domain.IngestionResult{
		Status: domain.StatusFailed,
		Error:  domain.NewIngestionError(code, stage, err),
	}
}

// withTimeout runs fn under a child context bounded by d when d > 0.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func withTimeout2[A, B any](ctx context.Context, d time.Duration, fn func(context.Context) (A, B, error)) (A, B, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
