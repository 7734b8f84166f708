package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"commhub/internal/domain"
)

// ProcessMessageBatch ingests every delivery independently with bounded
// parallelism. results[i] always belongs to raws[i]; one failure never stops
// the others.
func (p *Pipeline) ProcessMessageBatch(ctx context.Context, raws []domain.RawProviderMessage, opts Options) []domain.IngestionResult {
	results := make([]domain.IngestionResult, len(raws))

	var g errgroup.Group
	g.SetLimit(p.batchMax)
	for i, raw := range raws {
		g.Go(func() error {
			results[i] = p.ProcessMessage(ctx, raw, opts)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	p.logger.Info("batch processed", "count", len(raws), "summary", Summarize(results))
	return results
}

// BatchSummary counts results by status.
type BatchSummary struct {
	Success   int `json:"success"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

func Summarize(results []domain.IngestionResult) BatchSummary {
	var s BatchSummary
	for _, r := range results {
		switch r.Status {
		case domain.StatusSuccess:
			s.Success++
		case domain.StatusDuplicate:
			s.Duplicate++
		default:
			s.Failed++
		}
	}
	return s
}
