package rsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
)

// Handle is an opaque token naming a RemoteSync created with Create.
type Handle string

func (h Handle) String() string {
	return string(h)
}

var handles = struct {
	mu     sync.RWMutex
	logger *zap.Logger
	opts   []Option
	live   map[Handle]*RemoteSync
}{
	logger: zap.NewNop(),
	live:   make(map[Handle]*RemoteSync),
}

func handleCtx() context.Context {
	handles.mu.RLock()
	l := handles.logger
	handles.mu.RUnlock()
	return ctxzap.ToContext(context.Background(), l)
}

// Initialize installs the logger used by every handle call, and the options applied to
// instances created afterwards.
func Initialize(logger *zap.Logger, opts ...Option) {
	if logger == nil {
		logger = zap.NewNop()
	}

	handles.mu.Lock()
	defer handles.mu.Unlock()

	handles.logger = logger
	handles.opts = opts
}

// Teardown closes every live handle.
func Teardown() {
	ctx := handleCtx()

	handles.mu.Lock()
	live := handles.live
	handles.live = make(map[Handle]*RemoteSync)
	handles.mu.Unlock()

	for h, r := range live {
		if err := r.Close(ctx); err != nil {
			ctxzap.Extract(ctx).Error("error closing handle", zap.Stringer("handle", h), zap.Error(err))
		}
	}
}

// Create builds a RemoteSync and returns a handle naming it.
func Create() Handle {
	ctx := handleCtx()

	handles.mu.Lock()
	defer handles.mu.Unlock()

	h := Handle(ksuid.New().String())
	handles.live[h] = New(ctx, handles.opts...)
	return h
}

// FromHandle returns the RemoteSync named by h.
func FromHandle(h Handle) (*RemoteSync, error) {
	handles.mu.RLock()
	defer handles.mu.RUnlock()

	r, ok := handles.live[h]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, h)
	}
	return r, nil
}

// RegisterSession registers a sync id from a JSON registration payload.
func RegisterSession(h Handle, id string, store dbsync.RangeStore, cfg []byte, sink Sink) Status {
	ctx := handleCtx()

	r, err := FromHandle(h)
	if err != nil {
		return report(ctx, "register", err)
	}
	c, err := ParseRegistrationConfig(cfg)
	if err != nil {
		return report(ctx, "register", err)
	}
	return report(ctx, "register", r.RegisterSyncID(ctx, id, store, c, sink))
}

// StartSyncHandle runs the initial comparison from a JSON start payload.
func StartSyncHandle(h Handle, store dbsync.RangeStore, cfg []byte, sink Sink) Status {
	ctx := handleCtx()

	r, err := FromHandle(h)
	if err != nil {
		return report(ctx, "start_sync", err)
	}
	c, err := ParseStartConfig(cfg)
	if err != nil {
		return report(ctx, "start_sync", err)
	}
	return report(ctx, "start_sync", r.StartSync(ctx, store, c, sink))
}

// PushMessageHandle handles one inbound frame.
func PushMessageHandle(h Handle, payload []byte) Status {
	ctx := handleCtx()

	r, err := FromHandle(h)
	if err != nil {
		return report(ctx, "push_message", err)
	}
	return StatusOf(r.PushMessage(ctx, payload))
}

// CloseHandle closes the RemoteSync named by h and invalidates h.
func CloseHandle(h Handle) Status {
	ctx := handleCtx()

	handles.mu.Lock()
	r, ok := handles.live[h]
	delete(handles.live, h)
	handles.mu.Unlock()

	if !ok {
		return report(ctx, "close", fmt.Errorf("%w: %q", ErrInvalidHandle, h))
	}
	return report(ctx, "close", r.Close(ctx))
}

func report(ctx context.Context, op string, err error) Status {
	status := StatusOf(err)
	if status != StatusOK {
		ctxzap.Extract(ctx).Debug("handle call failed", zap.String("op", op), zap.Stringer("status", status), zap.Error(err))
	}
	return status
}
