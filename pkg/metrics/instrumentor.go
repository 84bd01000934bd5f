package metrics

import (
	"context"
	"time"
)

const (
	frameSuccessCounterName = "baton_rsync.frame_success"
	frameFailureCounterName = "baton_rsync.frame_failure"
	frameDurationHistoName  = "baton_rsync.frame_latency"
	messagesCounterName     = "baton_rsync.messages_emitted"
	sessionsGaugeName       = "baton_rsync.sessions_registered"

	frameSuccessCounterDesc = "number of successfully handled reconciliation steps by kind"
	frameFailureCounterDesc = "number of failed reconciliation steps by kind and failure reason"
	frameDurationHistoDesc  = "duration of reconciliation steps by kind and status"
	messagesCounterDesc     = "number of outbound messages by component and message type"
	sessionsGaugeDesc       = "number of registered sync sessions"
)

// M records reconciliation metrics on top of a Handler.
type M struct {
	underlying Handler
}

// RecordStepSuccess records a completed step. kind is the inbound message kind, or
// "start_sync" for an initial comparison.
func (m *M) RecordStepSuccess(ctx context.Context, kind string, dur time.Duration) {
	c := m.underlying.Int64Counter(frameSuccessCounterName, frameSuccessCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(frameDurationHistoName, frameDurationHistoDesc, Microseconds)
	c.Add(ctx, 1, map[string]string{"kind": kind})
	h.Record(ctx, dur.Microseconds(), map[string]string{"kind": kind, "status": "success"})
}

// RecordStepFailure records a step that was dropped or aborted. reason is a short,
// low-cardinality label such as "parse" or "store".
func (m *M) RecordStepFailure(ctx context.Context, kind string, dur time.Duration, reason string) {
	c := m.underlying.Int64Counter(frameFailureCounterName, frameFailureCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(frameDurationHistoName, frameDurationHistoDesc, Microseconds)
	c.Add(ctx, 1, map[string]string{"kind": kind, "reason": reason})
	h.Record(ctx, dur.Microseconds(), map[string]string{"kind": kind, "status": "failure", "reason": reason})
}

func (m *M) RecordEmitted(ctx context.Context, component string, messageType string, n int) {
	if n == 0 {
		return
	}
	c := m.underlying.Int64Counter(messagesCounterName, messagesCounterDesc, Dimensionless)
	c.Add(ctx, int64(n), map[string]string{"component": component, "type": messageType})
}

func (m *M) ObserveSessions(ctx context.Context, n int) {
	g := m.underlying.Int64Gauge(sessionsGaugeName, sessionsGaugeDesc, Dimensionless)
	g.Observe(ctx, int64(n), nil)
}

func New(handler Handler) *M {
	if handler == nil {
		handler = discard{}
	}
	return &M{underlying: handler}
}
