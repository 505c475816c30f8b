// Package metrics turns bus events into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskbell/internal/eventbus"
	"taskbell/internal/reminder"
	"taskbell/internal/scheduler"
	logx "taskbell/pkg/logx"
)

const namespace = "taskbell"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	events      *prometheus.CounterVec
	resolved    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobRuns     *prometheus.CounterVec
	dropped     prometheus.Counter
}

// New builds a private registry with the Go and process collectors plus the
// event counters.
func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		log: log,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events seen on the bus, by type.",
		}, []string{"component", "type"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "resolved_total",
			Help:      "Reminders that left the alerting phase, by reason.",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by outcome.",
		}, []string{"job", "status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_events_lost_total",
			Help:      "Bus events lost because the metrics subscriber fell behind.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.resolved, m.jobDuration, m.jobRuns, m.dropped,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(subsystem, name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.reg.Register(g); err != nil {
		m.log.Warn("metrics gauge not registered", logx.String("name", name), logx.Err(err))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe records a single event.
func (m *Metrics) Observe(e eventbus.Event) {
	component, _, _ := strings.Cut(e.Type, ".")
	m.events.WithLabelValues(component, e.Type).Inc()

	switch d := e.Data.(type) {
	case reminder.LifecycleEvent:
		if e.Type == reminder.EventResolved {
			m.resolved.WithLabelValues(string(d.Reason)).Inc()
		}
	case scheduler.JobEvent:
		switch e.Type {
		case scheduler.EventFinished:
			m.jobRuns.WithLabelValues(d.Name, "ok").Inc()
			m.jobDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case scheduler.EventFailed:
			m.jobRuns.WithLabelValues(d.Name, "failed").Inc()
			m.jobDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case scheduler.EventSkipped:
			m.jobRuns.WithLabelValues(d.Name, "skipped").Inc()
		}
	}
}
