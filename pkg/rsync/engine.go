package rsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
	"github.com/conductorone/baton-rsync/pkg/rsync/wire"
	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

var tracer = otel.Tracer("baton-rsync/pkg.rsync")

// engine runs single reconciliation steps. It keeps no state between steps: every
// step reads the session's static configuration and the store's current contents and
// returns the messages to emit. Nothing is returned for a step that failed.
type engine struct {
	now func() time.Time
}

// startSync compares the whole table: an empty table clears the remote side, anything
// else is summarized by one checksum over [first, last].
func (e *engine) startSync(ctx context.Context, store dbsync.RangeStore, cfg StartConfig) ([]wire.Message, error) {
	ctx, span := tracer.Start(ctx, "rsync.startSync")
	defer span.End()

	id := e.now().Unix()
	span.SetAttributes(attribute.String("component", cfg.Component), attribute.Int64("request_id", id))

	var msg wire.Message
	err := withStore(store, func() error {
		first, ok, err := store.BoundKey(ctx, cfg.Table, cfg.Index, *cfg.FirstQuery)
		if err != nil {
			return err
		}
		if !ok {
			msg = wire.IntegrityClear(cfg.Component, id)
			return nil
		}

		last, ok, err := store.BoundKey(ctx, cfg.Table, cfg.Index, *cfg.LastQuery)
		if err != nil {
			return err
		}
		if !ok {
			msg = wire.IntegrityClear(cfg.Component, id)
			return nil
		}

		r := keyrange.New(first, last)
		checksum, err := store.ChecksumRange(ctx, cfg.Table, *cfg.RangeChecksumQuery, cfg.ChecksumField, r)
		if err != nil {
			return err
		}
		msg = wire.IntegrityCheckGlobal(cfg.Component, r, checksum, id)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return []wire.Message{msg}, nil
}

// checksumFail splits r in two halves by row count and reports the checksum of each.
// Ranges holding fewer than two rows cannot be split and produce nothing.
func (e *engine) checksumFail(ctx context.Context, s *SyncSession, r keyrange.Range, id int64) ([]wire.Message, error) {
	ctx, span := tracer.Start(ctx, "rsync.checksumFail")
	defer span.End()

	l := ctxzap.Extract(ctx).With(zap.String("sync_id", s.ID), zap.Stringer("range", r), zap.Int64("request_id", id))

	var msgs []wire.Message
	err := withStore(s.store, func() error {
		count, err := s.store.CountRange(ctx, s.Table, s.CountRangeQuery, r)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("count", count))
		if count < 2 {
			l.Debug("range cannot be split", zap.Int64("count", count))
			return nil
		}

		// The left half holds count/2 rows: its last key and the first key of the
		// right half (the tail) are adjacent in index order.
		half := count / 2
		keys, err := s.store.KeysFrom(ctx, s.Table, s.Index, r, half-1, 2)
		if err != nil {
			return err
		}
		if len(keys) != 2 {
			return fmt.Errorf("%w: expected 2 keys at offset %d of %s, got %d", ErrInconsistentRange, half-1, r, len(keys))
		}

		left := keyrange.New(r.Begin, keys[0])
		right := keyrange.New(keys[1], r.End)

		leftSum, err := s.store.ChecksumRange(ctx, s.Table, s.RangeChecksumQuery, s.ChecksumField, left)
		if err != nil {
			return err
		}
		rightSum, err := s.store.ChecksumRange(ctx, s.Table, s.RangeChecksumQuery, s.ChecksumField, right)
		if err != nil {
			return err
		}

		msgs = []wire.Message{
			wire.IntegrityCheckLeft(s.Component, left, leftSum, id, right.Begin),
			wire.IntegrityCheckRight(s.Component, right, rightSum, id),
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return msgs, nil
}

// noData materializes every row of r as a state message, in index order.
func (e *engine) noData(ctx context.Context, s *SyncSession, r keyrange.Range) ([]wire.Message, error) {
	ctx, span := tracer.Start(ctx, "rsync.noData")
	defer span.End()

	var msgs []wire.Message
	err := withStore(s.store, func() error {
		if r.Single() {
			row, found, err := s.store.RowByKey(ctx, s.Table, s.RowDataQuery, r.Begin)
			if err != nil || !found {
				return err
			}
			msg, err := s.stateMessage(row)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			return nil
		}

		return s.store.RowsInRange(ctx, s.Table, s.Index, s.NoDataQuery, r, func(row dbsync.Row) error {
			msg, err := s.stateMessage(row)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("rows", len(msgs)))
	return msgs, nil
}

func (s *SyncSession) stateMessage(row dbsync.Row) (wire.Message, error) {
	v, ok := row[s.Index]
	if !ok {
		return wire.Message{}, fmt.Errorf("%w: index column %q not selected", dbsync.ErrInvalidQuery, s.Index)
	}
	index, err := keyrange.FromValue(v)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.State(s.Component, index, map[string]any(row), timestampOf(row[s.TimestampField])), nil
}

func timestampOf(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// withStore runs fn while holding the store's lock, after checking the store is alive.
func withStore(store dbsync.RangeStore, fn func() error) error {
	if store == nil || !store.Alive() {
		return dbsync.ErrClosed
	}
	store.Lock()
	defer store.Unlock()
	return fn()
}
