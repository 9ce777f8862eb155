// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"classbell/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "classbell"

type Metrics struct {
	reg *prometheus.Registry

	CacheLookups  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	Reminders     *prometheus.CounterVec
	Ticks         prometheus.Counter
	TickDuration  prometheus.Histogram
	TickChats     prometheus.Gauge
	TickErrors    prometheus.Counter
	ConfigReloads prometheus.Counter
}

// New builds the collectors on a private registry. bus may be nil; when set,
// its drop counter is exported too.
func New(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cached fetcher lookups by key kind and result.",
		}, []string{"kind", "result"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Duration of failed upstream calls by key kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		Reminders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder outcomes by threshold.",
		}, []string{"threshold", "result"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed scheduler ticks.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		TickChats: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_chats",
			Help:      "Subscribed chats evaluated by the last tick.",
		}),
		TickErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_chat_errors_total",
			Help:      "Chats whose evaluation failed.",
		}),
		ConfigReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
	}
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber fell behind.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "cache.", "notify.", "config.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.CacheEvent:
		kind := keyKind(d.Key)
		result := strings.TrimPrefix(ev.Type, "cache.")
		m.CacheLookups.WithLabelValues(kind, result).Inc()
		if d.Duration > 0 {
			m.FetchDuration.WithLabelValues(kind, result).Observe(d.Duration.Seconds())
		}
	case eventbus.NotifyEvent:
		result := strings.TrimPrefix(ev.Type, "notify.")
		if ev.Type == eventbus.NotifyFailed && d.Permanent {
			result = "dropped"
		}
		m.Reminders.WithLabelValues(d.Threshold, result).Inc()
	case eventbus.TickEvent:
		m.Ticks.Inc()
		m.TickDuration.Observe(d.Duration.Seconds())
		m.TickChats.Set(float64(d.Chats))
		m.TickErrors.Add(float64(d.Errors))
	default:
		if ev.Type == eventbus.ConfigReloaded {
			m.ConfigReloads.Inc()
		}
	}
}

// keyKind keeps label cardinality bounded: "group:42:..." becomes "group".
func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	if key == "" {
		return "unknown"
	}
	return key
}
