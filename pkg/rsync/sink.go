package rsync

import (
	"context"
	"fmt"

	"go.uber.org/ratelimit"
)

// Sink receives every serialized outbound message. It is owned by the caller and is
// invoked synchronously on the goroutine handling the triggering call.
type Sink interface {
	Emit(ctx context.Context, payload []byte) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, payload []byte) error

func (f SinkFunc) Emit(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// checkSink rejects sinks whose first Emit would panic.
func checkSink(sink Sink) error {
	switch s := sink.(type) {
	case nil:
		return fmt.Errorf("%w: sink", ErrNilArgument)
	case SinkFunc:
		if s == nil {
			return fmt.Errorf("%w: sink func", ErrNilArgument)
		}
	case *throttledSink:
		if s == nil {
			return fmt.Errorf("%w: sink", ErrNilArgument)
		}
		return checkSink(s.next)
	}
	return nil
}

type throttledSink struct {
	next    Sink
	limiter ratelimit.Limiter
}

// NewThrottledSink caps the rate at which messages reach next. A non-positive
// maxPerSecond disables throttling.
func NewThrottledSink(next Sink, maxPerSecond int) Sink {
	if maxPerSecond <= 0 {
		return next
	}
	return &throttledSink{
		next:    next,
		limiter: ratelimit.New(maxPerSecond, ratelimit.WithoutSlack),
	}
}

func (t *throttledSink) Emit(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.limiter.Take()
	return t.next.Emit(ctx, payload)
}
