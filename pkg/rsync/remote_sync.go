package rsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
	"github.com/conductorone/baton-rsync/pkg/metrics"
	"github.com/conductorone/baton-rsync/pkg/rsync/wire"
)

const startSyncKind = "start_sync"

// RemoteSync reconciles registered tables against a remote peer. Every call runs
// synchronously on the caller's goroutine; steps of one session are serialized.
//
// Close must not be called while a PushMessage for one of its sessions is in flight.
type RemoteSync struct {
	registry *Registry
	engine   *engine
	metrics  *metrics.M
	closed   atomic.Bool
}

type Option func(*RemoteSync)

func WithMetrics(h metrics.Handler) Option {
	return func(r *RemoteSync) {
		r.metrics = metrics.New(h)
	}
}

// WithClock replaces the clock used to mint request ids.
func WithClock(now func() time.Time) Option {
	return func(r *RemoteSync) {
		if now != nil {
			r.engine.now = now
		}
	}
}

func New(ctx context.Context, opts ...Option) *RemoteSync {
	r := &RemoteSync{
		registry: NewRegistry(),
		engine:   &engine{now: time.Now},
		metrics:  metrics.New(nil),
	}
	for _, opt := range opts {
		opt(r)
	}

	ctxzap.Extract(ctx).Debug("remote sync created")
	return r
}

func (r *RemoteSync) checkOpen() error {
	if r == nil {
		return fmt.Errorf("%w: remote sync", ErrNilArgument)
	}
	if r.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RegisterSyncID validates cfg and registers a session under id. Nothing is registered
// when an error is returned.
func (r *RemoteSync) RegisterSyncID(ctx context.Context, id string, store dbsync.RangeStore, cfg RegistrationConfig, sink Sink) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("%w: store", ErrNilArgument)
	}
	if err := checkSink(sink); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := r.registry.Register(id, newSyncSession(id, store, cfg, sink)); err != nil {
		return err
	}

	r.metrics.ObserveSessions(ctx, r.registry.Len())
	ctxzap.Extract(ctx).Debug(
		"sync id registered",
		zap.String("sync_id", id),
		zap.String("table", cfg.Table),
		zap.String("component", cfg.Component),
	)
	return nil
}

// UnregisterSyncID drops a session. Unknown ids are ignored.
func (r *RemoteSync) UnregisterSyncID(ctx context.Context, id string) {
	if r == nil {
		return
	}
	r.registry.Remove(id)
	r.metrics.ObserveSessions(ctx, r.registry.Len())
}

// Sessions returns the registered sync ids in lexical order.
func (r *RemoteSync) Sessions() []string {
	if r == nil {
		return nil
	}
	return r.registry.IDs()
}

// StartSync runs the initial whole-table comparison described by cfg and emits its
// single message through sink.
func (r *RemoteSync) StartSync(ctx context.Context, store dbsync.RangeStore, cfg StartConfig, sink Sink) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("%w: store", ErrNilArgument)
	}
	if err := checkSink(sink); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l := ctxzap.Extract(ctx).With(zap.String("table", cfg.Table), zap.String("component", cfg.Component))
	start := time.Now()

	msgs, err := r.engine.startSync(ctx, store, cfg)
	if err != nil {
		r.fail(ctx, l, startSyncKind, start, err)
		return err
	}
	if err := r.emit(ctx, cfg.Component, sink, msgs); err != nil {
		r.fail(ctx, l, startSyncKind, start, err)
		return err
	}

	r.metrics.RecordStepSuccess(ctx, startSyncKind, time.Since(start))
	return nil
}

// PushMessage handles one inbound frame. Malformed frames and unknown sync ids are
// rejected before the store is touched; a failed step emits nothing.
func (r *RemoteSync) PushMessage(ctx context.Context, payload []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	l := ctxzap.Extract(ctx)
	start := time.Now()

	frame, err := wire.Decode(payload)
	if err != nil {
		r.fail(ctx, l, "unknown", start, err)
		return err
	}
	kind := string(frame.Kind)
	l = l.With(zap.String("sync_id", frame.SessionID), zap.String("kind", kind))

	s, ok := r.registry.Lookup(frame.SessionID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownSession, frame.SessionID)
		r.fail(ctx, l, kind, start, err)
		return err
	}

	s.frames.Lock()
	defer s.frames.Unlock()

	var msgs []wire.Message
	switch frame.Kind {
	case wire.KindChecksumFail:
		msgs, err = r.engine.checksumFail(ctx, s, frame.Range, frame.ID)
	case wire.KindNoData:
		msgs, err = r.engine.noData(ctx, s, frame.Range)
	default:
		err = fmt.Errorf("%w: %s", wire.ErrUnknownKind, frame.Kind)
	}
	if err != nil {
		r.fail(ctx, l, kind, start, err)
		return err
	}

	if err := r.emit(ctx, s.Component, s.sink, msgs); err != nil {
		r.fail(ctx, l, kind, start, err)
		return err
	}

	r.metrics.RecordStepSuccess(ctx, kind, time.Since(start))
	l.Debug("frame handled", zap.Int("messages", len(msgs)), zap.Stringer("range", frame.Range))
	return nil
}

// emit encodes every message before the first one is handed to sink, so an encoding
// failure emits nothing.
func (r *RemoteSync) emit(ctx context.Context, component string, sink Sink, msgs []wire.Message) error {
	payloads := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := wire.Encode(m)
		if err != nil {
			return err
		}
		payloads = append(payloads, b)
	}

	for i, b := range payloads {
		if err := sink.Emit(ctx, b); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSink, msgs[i].Type, err)
		}
		r.metrics.RecordEmitted(ctx, component, string(msgs[i].Type), 1)
	}
	return nil
}

func (r *RemoteSync) fail(ctx context.Context, l *zap.Logger, kind string, start time.Time, err error) {
	status := StatusOf(err)
	r.metrics.RecordStepFailure(ctx, kind, time.Since(start), status.String())

	switch {
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrUnknownKind), errors.Is(err, ErrUnknownSession):
		l.Warn("frame dropped", zap.Error(err))
	default:
		l.Error("reconciliation step failed", zap.Stringer("status", status), zap.Error(err))
	}
}

// Close drops every session. Further calls fail with ErrClosed. Closing twice is a no-op.
func (r *RemoteSync) Close(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("%w: remote sync", ErrNilArgument)
	}
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	n := r.registry.Len()
	r.registry.clear()
	r.metrics.ObserveSessions(ctx, 0)
	ctxzap.Extract(ctx).Debug("remote sync closed", zap.Int("sessions", n))
	return nil
}
