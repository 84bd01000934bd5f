package metrics

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type otelHandler struct {
	meter otelmetric.Meter
	tags  map[string]string

	int64CountersMtx sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   sync.Mutex
	int64Gauges      map[string]*syncInt64Gauge
}

// attributes merges the handler's base tags with per-call tags. Per-call tags win.
func attributes(base map[string]string, tags map[string]string) []attribute.KeyValue {
	if len(base) == 0 && len(tags) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(tags))
	maps.Copy(merged, base)
	maps.Copy(merged, tags)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ret := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, attribute.String(k, merged[k]))
	}
	return ret
}

type otelInt64Histogram struct {
	h    otelmetric.Int64Histogram
	tags map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, otelmetric.WithAttributes(attributes(o.tags, tags)...))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type otelInt64Counter struct {
	c    otelmetric.Int64Counter
	tags map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, otelmetric.WithAttributes(attributes(o.tags, tags)...))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

// syncInt64Gauge keeps the last observed value per attribute set and reports it from
// the meter callback.
type syncInt64Gauge struct {
	mtx    sync.Mutex
	values map[attribute.Distinct]gaugePoint
	gauge  otelmetric.Int64ObservableGauge
}

type gaugePoint struct {
	value int64
	attrs attribute.Set
}

type taggedGauge struct {
	g    *syncInt64Gauge
	tags map[string]string
}

func (t *taggedGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	set := attribute.NewSet(attributes(t.tags, tags)...)
	t.g.mtx.Lock()
	defer t.g.mtx.Unlock()
	t.g.values[set.Equivalent()] = gaugePoint{value: value, attrs: set}
}

var _ Int64Gauge = (*taggedGauge)(nil)

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.int64HistosMtx.Lock()
	defer h.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: c, tags: h.tags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.int64CountersMtx.Lock()
	defer h.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Counters[name] = c
	}

	return &otelInt64Counter{c: c, tags: h.tags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.int64GaugesMtx.Lock()
	defer h.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := h.int64Gauges[name]; ok {
		return &taggedGauge{g: g, tags: h.tags}
	}

	g, err := h.meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}
	newGauge := &syncInt64Gauge{gauge: g, values: make(map[attribute.Distinct]gaugePoint)}

	_, err = h.meter.RegisterCallback(func(ctx context.Context, observer otelmetric.Observer) error {
		newGauge.mtx.Lock()
		defer newGauge.mtx.Unlock()
		for _, p := range newGauge.values {
			observer.ObserveInt64(newGauge.gauge, p.value, otelmetric.WithAttributeSet(p.attrs))
		}
		return nil
	}, g)
	if err != nil {
		panic(err)
	}

	h.int64Gauges[name] = newGauge

	return &taggedGauge{g: newGauge, tags: h.tags}
}

// WithTags returns a handler sharing this handler's instruments whose recordings carry tags.
func (h *otelHandler) WithTags(tags map[string]string) Handler {
	merged := make(map[string]string, len(h.tags)+len(tags))
	maps.Copy(merged, h.tags)
	maps.Copy(merged, tags)

	return &taggedHandler{parent: h, tags: merged}
}

type taggedHandler struct {
	parent *otelHandler
	tags   map[string]string
}

func (t *taggedHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	c := t.parent.Int64Counter(name, description, unit).(*otelInt64Counter)
	return &otelInt64Counter{c: c.c, tags: t.tags}
}

func (t *taggedHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	g := t.parent.Int64Gauge(name, description, unit).(*taggedGauge)
	return &taggedGauge{g: g.g, tags: t.tags}
}

func (t *taggedHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h := t.parent.Int64Histogram(name, description, unit).(*otelInt64Histogram)
	return &otelInt64Histogram{h: h.h, tags: t.tags}
}

func (t *taggedHandler) WithTags(tags map[string]string) Handler {
	merged := make(map[string]string, len(t.tags)+len(tags))
	maps.Copy(merged, t.tags)
	maps.Copy(merged, tags)
	return &taggedHandler{parent: t.parent, tags: merged}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		meter:         provider.Meter(name),
		int64Counters: make(map[string]otelmetric.Int64Counter),
		int64Histos:   make(map[string]otelmetric.Int64Histogram),
		int64Gauges:   make(map[string]*syncInt64Gauge),
	}
}

var _ Handler = (*otelHandler)(nil)
var _ Handler = (*taggedHandler)(nil)
