package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

const memoryQueueSize = 256

// MemoryBroker passes messages between goroutines of one process.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan *model.JobMessage
	closed bool
}

var _ interfaces.Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan *model.JobMessage)}
}

func (b *MemoryBroker) queue(name string) (chan *model.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrIllegalState.Wrap(goerr.New("broker is closed"))
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *model.JobMessage, memoryQueueSize)
		b.queues[name] = q
	}
	return q, nil
}

func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, msg *model.JobMessage) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "enqueue interrupted", goerr.V("queue", queue))
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string, wait time.Duration) (*model.JobMessage, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-q:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
