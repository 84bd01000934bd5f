package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("dispatch: dispatcher is stopped")

const defaultQueueSize = 1000

// Handler consumes one inbound frame. *rsync.RemoteSync satisfies it.
type Handler interface {
	PushMessage(ctx context.Context, payload []byte) error
}

// Dispatcher feeds frames to a Handler from a single goroutine, in the order they
// were pushed. Handler errors are logged and counted; they never stop the queue.
type Dispatcher struct {
	handler Handler
	queue   chan []byte

	mu      sync.RWMutex
	stopped bool

	eg      errgroup.Group
	handled atomic.Int64
	failed  atomic.Int64

	queueSize int
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// New starts a dispatcher. ctx is handed to the handler for every frame and carries
// its logger.
func New(ctx context.Context, handler Handler, opts ...Option) (*Dispatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("dispatch: handler is required")
	}

	d := &Dispatcher{
		handler:   handler,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan []byte, d.queueSize)

	d.eg.Go(func() error {
		d.run(ctx)
		return nil
	})
	return d, nil
}

func (d *Dispatcher) run(ctx context.Context) {
	l := ctxzap.Extract(ctx)
	l.Debug("dispatcher started")

	for payload := range d.queue {
		if err := d.handler.PushMessage(ctx, payload); err != nil {
			d.failed.Add(1)
			l.Debug("dispatch: frame failed", zap.Error(err))
			continue
		}
		d.handled.Add(1)
	}

	l.Debug("dispatcher stopped",
		zap.Int64("handled", d.handled.Load()),
		zap.Int64("failed", d.failed.Load()),
	)
}

// Push enqueues a copy of payload. It blocks while the queue is full.
func (d *Dispatcher) Push(ctx context.Context, payload []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- append([]byte(nil), payload...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames, waits for the queued ones to be handled and returns.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	return d.eg.Wait()
}

// Handled returns the number of frames the handler accepted.
func (d *Dispatcher) Handled() int64 {
	return d.handled.Load()
}

// Failed returns the number of frames the handler rejected.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
