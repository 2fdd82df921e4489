package adapter

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"golang.org/x/time/rate"
)

// RateLimiters paces requests per service base URL.
type RateLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewRateLimiters(perSecond float64, burst int) *RateLimiters {
	return &RateLimiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiters) get(url string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[url]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[url] = l
	}
	return l
}

// Wait blocks until a request to url is allowed. When the context deadline
// cannot be met the request is reported as rate limited.
func (r *RateLimiters) Wait(ctx context.Context, url string) error {
	if r == nil {
		return nil
	}
	url = normalizeURL(url)
	if err := r.get(url).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.ErrRateLimitExceeded.Wrap(err, goerr.V("url", url))
	}
	return nil
}
