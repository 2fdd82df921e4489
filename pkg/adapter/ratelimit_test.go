package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/domain"
)

func TestRateLimiters(t *testing.T) {
	t.Run("nil limiters never block", func(t *testing.T) {
		var limiters *adapter.RateLimiters
		gt.NoError(t, limiters.Wait(context.Background(), "https://ci.example.com"))
	})

	t.Run("burst exhausted before deadline", func(t *testing.T) {
		limiters := adapter.NewRateLimiters(0.01, 1)
		gt.NoError(t, limiters.Wait(context.Background(), "https://ci.example.com"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := limiters.Wait(ctx, "https://ci.example.com/")
		gt.True(t, errors.Is(err, domain.ErrRateLimitExceeded))
	})

	t.Run("services are limited independently", func(t *testing.T) {
		limiters := adapter.NewRateLimiters(0.01, 1)
		gt.NoError(t, limiters.Wait(context.Background(), "https://a.example.com"))
		gt.NoError(t, limiters.Wait(context.Background(), "https://b.example.com"))
	})
}
