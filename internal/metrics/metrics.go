// Package metrics exposes bridge activity as Prometheus metrics. Counters are
// fed from the event stream; session and polling gauges are read from the
// registry and the scheduler at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/poller"
)

const namespace = "dmbridge"

// SessionLister is satisfied by *connection.Registry.
type SessionLister interface {
	List() []connection.Record
}

// TaskLister is satisfied by *poller.Scheduler.
type TaskLister interface {
	List() []poller.TaskStatus
}

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
	replies      prometheus.Counter
	discarded    prometheus.Counter
	handshakes   *prometheus.CounterVec
}

func New(sessions SessionLister, tasks TaskLister) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published, by type.",
		}, []string{"type"}),
		pollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Failed polling ticks, by error code.",
		}, []string{"code"}),
		replies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_delivered_total",
			Help:      "Agent replies delivered to a channel.",
		}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_discarded_total",
			Help:      "Agent replies dropped because the session went away mid-tick.",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Finished handshakes, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.Observe(sessions, tasks)
	return m
}

// Observe registers the scrape-time gauges. It exists apart from New because
// the registry and the scheduler publish into m and are built after it.
// Nil listers are skipped; call it at most once per lister.
func (m *Metrics) Observe(sessions SessionLister, tasks TaskLister) {
	if sessions != nil {
		m.registry.MustRegister(&sessionCollector{sessions: sessions})
	}
	if tasks != nil {
		promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_tasks",
			Help:      "Running polling tasks.",
		}, func() float64 { return float64(len(tasks.List())) })
	}
}

// Publish implements event.Publisher.
func (m *Metrics) Publish(ev event.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case event.TypePollFailed:
		var data struct {
			Code string `json:"code"`
		}
		if err := ev.Decode(&data); err != nil || data.Code == "" {
			data.Code = "unknown"
		}
		m.pollFailures.WithLabelValues(data.Code).Inc()
	case event.TypeMessageReplied:
		m.replies.Inc()
	case event.TypeMessageDiscarded:
		m.discarded.Inc()
	case event.TypeHandshakeCompleted:
		m.handshakes.WithLabelValues("completed").Inc()
	case event.TypeHandshakeFailed:
		m.handshakes.WithLabelValues("failed").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var sessionsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "sessions"),
	"Sessions by connection status.",
	[]string{"status"}, nil,
)

var allStatuses = []connection.Status{
	connection.StatusDisconnected,
	connection.StatusHandshakePending,
	connection.StatusConnected,
	connection.StatusReconnecting,
	connection.StatusError,
}

type sessionCollector struct {
	sessions SessionLister
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[connection.Status]int, len(allStatuses))
	for _, rec := range c.sessions.List() {
		counts[rec.Status]++
	}
	for _, st := range allStatuses {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
