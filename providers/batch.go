package providers

import (
	"context"

	"pulsegrade/taxrates/models"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the fan-out of BatchGetRates
const DefaultBatchConcurrency = 8

// BatchResult pairs one query with its outcome
type BatchResult struct {
	Query    models.TaxRateQuery
	Response *models.TaxRateResponse
	Err      error
}

// BatchGetRates resolves queries with p, using its bulk call when available and
// otherwise fanning out individual GetRates calls. Per-query failures land in
// BatchResult.Err; only a cancelled context fails the whole batch.
func BatchGetRates(ctx context.Context, p Provider, queries []models.TaxRateQuery, concurrency int) ([]BatchResult, error) {
	if bp, ok := p.(BatchProvider); ok {
		return bp.BatchGetRates(ctx, queries)
	}
	return FanOut(ctx, queries, concurrency, p.GetRates)
}

// FanOut runs fetch for every query with at most concurrency calls in flight.
// Results keep the order of queries.
func FanOut(ctx context.Context, queries []models.TaxRateQuery, concurrency int,
	fetch func(context.Context, models.TaxRateQuery) (*models.TaxRateResponse, error)) ([]BatchResult, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}

	results := make([]BatchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = BatchResult{Query: q, Err: err}
				return nil
			}
			resp, err := fetch(gctx, q)
			results[i] = BatchResult{Query: q, Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
