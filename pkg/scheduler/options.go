package scheduler

import (
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

type options struct {
	clock      clock.Clock
	metrics    *metrics.Collector
	workers    int
	wait       time.Duration
	queues     []string
	newBackOff func() backoff.BackOff
}

func defaultOptions() options {
	return options{
		clock:      clock.NewClock(),
		workers:    1,
		wait:       5 * time.Second,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

type Option func(*options)

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithWorkers sets the number of concurrent consumers per queue.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollWait bounds how long a worker blocks on an empty queue.
func WithPollWait(d time.Duration) Option {
	return func(o *options) { o.wait = d }
}

// WithQueues restricts a dispatcher to the named queues.
func WithQueues(queues ...string) Option {
	return func(o *options) { o.queues = queues }
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) { o.newBackOff = fn }
}
