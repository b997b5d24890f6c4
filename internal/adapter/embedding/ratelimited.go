package embedding

import (
	"context"

	"golang.org/x/time/rate"

	"agent-router/internal/domain"
)

// RateLimitedEmbedder wraps a domain.EmbeddingProvider with a token-bucket
// limiter, so registration bursts cannot exhaust a remote API quota.
type RateLimitedEmbedder struct {
	inner   domain.EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps inner with a limit of rps requests per
// second and the given burst. If rps <= 0, the inner provider is returned
// directly (no limiting).
func NewRateLimitedEmbedder(inner domain.EmbeddingProvider, rps float64, burst int) domain.EmbeddingProvider {
	if rps <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Embed implements domain.EmbeddingProvider. It blocks until the limiter
// admits the call or the context is done.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

// Dimensions implements domain.EmbeddingProvider.
func (r *RateLimitedEmbedder) Dimensions() int { return r.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (r *RateLimitedEmbedder) Name() string { return r.inner.Name() }

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*RateLimitedEmbedder)(nil)
