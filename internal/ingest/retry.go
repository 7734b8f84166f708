package ingest

import (
	"context"
	"math/rand/v2"
	"time"

	"commhub/internal/domain"
	"commhub/internal/metrics"
)

type RetryOptions struct {
	MaxRetries  int           // attempts after the first, default 3
	BaseBackoff time.Duration // attempt n waits n²·BaseBackoff plus jitter, default 1s
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	return o
}

// RetryFailedMessage re-runs the pipeline while the result is a retryable
// failure. Every attempt derives the same idempotency key from raw, so a
// retry that follows an unobserved success reports a duplicate instead of
// writing twice. The last result is returned when retries are exhausted or
// ctx is done.
func (p *Pipeline) RetryFailedMessage(ctx context.Context, raw domain.RawProviderMessage, opts Options, ropts RetryOptions) domain.IngestionResult {
	ropts = ropts.withDefaults()

	var res domain.IngestionResult
	for attempt := 0; attempt <= ropts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt, ropts.BaseBackoff)
			metrics.RetryAttempts.Inc()
			p.logger.Warn("retrying ingestion",
				"provider", raw.ProviderID, "attempt", attempt+1, "backoff", backoff, "err", res.Error)
			select {
			case <-ctx.Done():
				return res
			case <-time.After(backoff):
			}
		}

		res = p.ProcessMessage(ctx, raw, opts)
		if !retryable(res) {
			return res
		}
	}
	p.logger.Error("ingestion retries exhausted", "provider", raw.ProviderID, "retries", ropts.MaxRetries)
	return res
}

// retryBackoff grows quadratically with jitter up to half the base.
func retryBackoff(attempt int, unit time.Duration) time.Duration {
	base := time.Duration(attempt*attempt) * unit
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

func retryable(res domain.IngestionResult) bool {
	return res.Status == domain.StatusFailed && res.Error != nil && res.Error.Retryable
}
