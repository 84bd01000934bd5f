package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("baton-rsync/retry")

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
	retryable    func(error) bool
}

type RetryConfig struct {
	MaxAttempts  uint             // 0 means no limit (which is also the default).
	InitialDelay time.Duration    // Default is 1 second.
	MaxDelay     time.Duration    // Default is 60 seconds.
	Retryable    func(error) bool // Default is IsBusy.
}

func NewRetryer(ctx context.Context, config RetryConfig) *Retryer {
	r := &Retryer{
		attempts:     0,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		retryable:    config.Retryable,
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	if r.retryable == nil {
		r.retryable = IsBusy
	}
	return r
}

// IsBusy reports whether err is SQLite refusing the statement because another
// connection holds a conflicting lock.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// ShouldWaitAndRetry sleeps before the next attempt and reports whether there should
// be one. A nil error resets the attempt counter.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !r.retryable(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.maxAttempts > 0 && r.attempts > r.maxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		return false
	}

	// use linear backoff by default
	var wait time.Duration
	if r.attempts > math.MaxInt64 {
		wait = r.maxDelay
	} else {
		wait = time.Duration(int64(r.attempts)) * r.initialDelay
	}
	if wait > r.maxDelay {
		wait = r.maxDelay
	}

	l.Debug("retrying operation", zap.Error(err), zap.Duration("wait", wait), zap.Uint("attempt", r.attempts))

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
