package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

const redisQueuePrefix = "lifemon:queue:"

// RedisBroker keeps one Redis list per queue so that the scheduler and
// workers may run in separate processes.
type RedisBroker struct {
	pool *redis.Pool
}

var _ interfaces.Broker = (*RedisBroker)(nil)

func NewRedisBroker(pool *redis.Pool) *RedisBroker {
	return &RedisBroker{pool: pool}
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, msg *model.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return goerr.Wrap(err, "failed to encode job message", goerr.V("job", msg.Job))
	}

	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to get redis connection")
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "LPUSH", redisQueuePrefix+queue, data); err != nil {
		return goerr.Wrap(err, "failed to push job message", goerr.V("queue", queue))
	}
	return nil
}

// Dequeue blocks on BRPOP. Redis counts the timeout in whole seconds, so
// wait is rounded up to at least one second.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, wait time.Duration) (*model.JobMessage, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get redis connection")
	}
	defer conn.Close()

	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}

	reply, err := redis.ByteSlices(redis.DoContext(conn, ctx, "BRPOP", redisQueuePrefix+queue, secs))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to pop job message", goerr.V("queue", queue))
	}
	if len(reply) != 2 {
		return nil, goerr.New("unexpected BRPOP reply", goerr.V("length", len(reply)))
	}

	var msg model.JobMessage
	if err := json.Unmarshal(reply[1], &msg); err != nil {
		return nil, goerr.Wrap(err, "failed to decode job message", goerr.V("queue", queue))
	}
	return &msg, nil
}

func (b *RedisBroker) Close() error {
	return b.pool.Close()
}
