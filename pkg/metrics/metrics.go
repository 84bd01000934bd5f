package metrics

import (
	"context"
)

// Handler hands out named instruments. Asking twice for the same name yields the same
// instrument. WithTags returns a Handler whose instruments add tags to every point.
type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	WithTags(tags map[string]string) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags map[string]string)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags map[string]string)
}

// Int64Gauge reports the last observed value for each tag set.
type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags map[string]string)
}

type Unit string

const (
	Dimensionless Unit = "1"
	Microseconds  Unit = "us"
)

// discard is both a Handler and every instrument kind; it drops all points.
type discard struct{}

var (
	_ Handler        = discard{}
	_ Int64Counter   = discard{}
	_ Int64Histogram = discard{}
	_ Int64Gauge     = discard{}
)

func (discard) Int64Counter(string, string, Unit) Int64Counter     { return discard{} }
func (discard) Int64Gauge(string, string, Unit) Int64Gauge         { return discard{} }
func (discard) Int64Histogram(string, string, Unit) Int64Histogram { return discard{} }
func (discard) WithTags(map[string]string) Handler                 { return discard{} }

func (discard) Add(context.Context, int64, map[string]string)     {}
func (discard) Record(context.Context, int64, map[string]string)  {}
func (discard) Observe(context.Context, int64, map[string]string) {}

// NewNoOpHandler returns a Handler that drops every measurement.
func NewNoOpHandler(_ context.Context) Handler {
	return discard{}
}
