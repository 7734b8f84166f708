package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"commhub/internal/config"
	"commhub/internal/domain"
	"commhub/internal/events"
	"commhub/internal/idempotency"
	"commhub/internal/ingest"
	"commhub/internal/metrics"
	"commhub/internal/normalize"
	"commhub/internal/signature"
	"commhub/internal/store"
	"commhub/internal/webhook"
)

// newLogger builds the process logger from config. The returned closer
// releases the log file, if any.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := config.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

func pipelineOptions(cfg *config.Config) ingest.Options {
	p := cfg.Pipeline
	opts := ingest.DefaultOptions()
	opts.ProceedOnIdentityFailure = p.ProceedOnIdentityFailure
	opts.StageTimeout = time.Duration(p.StageTimeoutSeconds) * time.Second

	opts.Dedup.CheckContentHash = p.Dedup.CheckContentHash
	opts.Dedup.CheckSimilarContent = p.Dedup.CheckSimilarContent
	opts.Dedup.TimeWindow = time.Duration(p.Dedup.WindowMinutes) * time.Minute
	opts.Dedup.SimilarityThreshold = p.Dedup.SimilarityThreshold

	opts.Identity.FuzzyMatching = p.Identity.FuzzyMatching
	opts.Identity.ConfidenceThreshold = p.Identity.ConfidenceThreshold
	opts.Identity.CreateNewCustomer = p.Identity.CreateNewCustomer

	opts.Threading.CreateIfMissing = p.Threading.CreateIfMissing
	opts.Threading.PreferExistingThreads = p.Threading.PreferExistingThreads
	opts.Threading.RecentWindow = time.Duration(p.Threading.RecentWindowHours) * time.Hour
	return opts
}

func retryOptions(cfg *config.Config) ingest.RetryOptions {
	return ingest.RetryOptions{
		MaxRetries:  cfg.Pipeline.MaxRetries,
		BaseBackoff: time.Duration(cfg.Pipeline.RetryBackoffMillis) * time.Millisecond,
	}
}

// signatureKind returns the empty kind for providers that skip verification.
func signatureKind(pc config.ProviderConfig) (signature.Kind, error) {
	if pc.Signature.Kind == config.SignatureKindNone {
		return "", nil
	}
	return signature.ParseKind(pc.Signature.Kind)
}

func secretConfig(id string, pc config.ProviderConfig) signature.SecretConfig {
	s := pc.Signature
	return signature.SecretConfig{
		ProviderID:      id,
		Secret:          s.Secret,
		Algorithm:       s.Algorithm,
		Encoding:        s.Encoding,
		Tolerance:       time.Duration(s.ToleranceSeconds) * time.Second,
		SignatureHeader: s.Header,
		TimestampHeader: s.TimestampHeader,
	}
}

// lookupProvider returns an enabled provider by ID.
func lookupProvider(cfg *config.Config, id string) (config.ProviderConfig, error) {
	pc, ok := cfg.Providers[id]
	if !ok {
		return pc, fmt.Errorf("unknown provider %q", id)
	}
	if !pc.Enabled {
		return pc, fmt.Errorf("provider %q is disabled", id)
	}
	return pc, nil
}

// webhookProviders lists enabled providers sorted by ID.
func webhookProviders(cfg *config.Config) ([]webhook.Provider, error) {
	ids := make([]string, 0, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		if pc.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]webhook.Provider, 0, len(ids))
	for _, id := range ids {
		pc := cfg.Providers[id]
		kind, err := signatureKind(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		out = append(out, webhook.Provider{
			ID:          id,
			Type:        pc.Type,
			Kind:        kind,
			Secret:      secretConfig(id, pc),
			WebhookURL:  cfg.WebhookURL(id),
			VerifyToken: pc.VerifyToken,
		})
	}
	return out, nil
}

// mediaResolvers builds one resolver per provider that can resolve media.
// Telegram providers with a bot token resolve through getFile; others use
// their URL template.
func mediaResolvers(cfg *config.Config, logger *slog.Logger) normalize.ProviderResolvers {
	out := normalize.ProviderResolvers{}
	for id, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch {
		case pc.Type == normalize.ProviderTelegram && pc.BotToken != "":
			bot, err := tgbotapi.NewBotAPI(pc.BotToken)
			if err != nil {
				logger.Warn("telegram bot unavailable, media stays unresolved", "provider", id, "err", err)
				continue
			}
			out[id] = normalize.TelegramResolver{Bot: bot}
		case pc.MediaURLTemplate != "":
			out[id] = normalize.TemplateResolver{Template: pc.MediaURLTemplate}
		}
	}
	return out
}

// app holds the collaborators shared by the serve and ingest commands.
type app struct {
	cfg      *config.Config
	store    domain.Store
	pipeline *ingest.Pipeline
	events   *events.Bus
	logger   *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger, resolveMedia bool) (*app, error) {
	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ncfg := normalize.Config{
		DefaultCountryCode: cfg.General.DefaultCountryCode,
		MediaTimeout:       time.Duration(cfg.Pipeline.MediaTimeoutSeconds) * time.Second,
		TelegramBotName:    cfg.General.TelegramBotName,
		Logger:             logger,
	}
	if resolveMedia {
		if r := mediaResolvers(cfg, logger); len(r) > 0 {
			ncfg.Media = r
		}
	}
	reg, err := normalize.NewDefaultRegistry(ncfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("normalizers: %w", err)
	}

	bus := events.NewBus(logger)
	guard := idempotency.New(idempotency.Config{
		TTL:    time.Duration(cfg.Pipeline.IdempotencyTTLMinutes) * time.Minute,
		Logger: logger,
	})
	p, err := ingest.New(ingest.Config{
		Store:            st,
		Registry:         reg,
		Guard:            guard,
		Events:           bus,
		Metrics:          metrics.Recorder{},
		Logger:           logger,
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: st, pipeline: p, events: bus, logger: logger}, nil
}

func (a *app) Close() error { return a.store.Close() }
