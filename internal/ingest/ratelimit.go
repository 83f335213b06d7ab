package ingest

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedSource spaces out fetches from overlapping refresh cycles.
type RateLimitedSource struct {
	source  Source
	limiter *rate.Limiter
}

func NewRateLimitedSource(source Source, perSecond float64, burst int) *RateLimitedSource {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedSource{
		source:  source,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *RateLimitedSource) Fetch(ctx context.Context) (*Batch, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return s.source.Fetch(ctx)
}
