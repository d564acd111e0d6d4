package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genflow/internal/eventbus"
	"genflow/internal/store"
)

// metrics aggregates operational counters fed off the event bus, so the core
// stays free of instrumentation calls.
type metrics struct {
	reg *prometheus.Registry

	jobsTerminal      *prometheus.CounterVec
	runsTotal         prometheus.Counter
	runActive         prometheus.Gauge
	sessionsAcquired  prometheus.Counter
	sessionsDestroyed prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		reg: reg,
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_jobs_terminal_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genflow_runs_total",
			Help: "Scheduler runs started.",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genflow_run_active",
			Help: "Whether a scheduler run is currently executing.",
		}),
		sessionsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genflow_sessions_acquired_total",
			Help: "Sessions acquired (created or reused).",
		}),
		sessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genflow_sessions_destroyed_total",
			Help: "Sessions destroyed.",
		}),
	}
	reg.MustRegister(m.jobsTerminal, m.runsTotal, m.runActive, m.sessionsAcquired, m.sessionsDestroyed)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// consume drains bus events until ctx is done.
func (m *metrics) consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *metrics) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeJobUpdated:
		if j, ok := ev.Data.(store.Job); ok && j.Status.Terminal() {
			m.jobsTerminal.WithLabelValues(string(j.Status)).Inc()
		}
	case eventbus.TypeRunStarted:
		m.runsTotal.Inc()
		m.runActive.Set(1)
	case eventbus.TypeRunFinished:
		m.runActive.Set(0)
	case eventbus.TypeSessionAcquired:
		m.sessionsAcquired.Inc()
	case eventbus.TypeSessionDestroyed:
		m.sessionsDestroyed.Inc()
	}
}
