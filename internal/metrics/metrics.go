// Package metrics exposes cockpit counters to Prometheus and persists them
// across restarts.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
)

const (
	namespace = "stock_cockpit"

	resultOK    = "ok"
	resultError = "error"
)

type Store interface {
	SaveMetric(name string, value float64) error
	GetMetric(name string) (float64, error)
	SaveMetricWithLabels(name, labelKey, labelValue string, value float64) error
	GetMetricsWithLabels(name string) (map[string]map[string]float64, error)
}

type CockpitMetrics struct {
	Polls           prometheus.Counter
	FetchErrors     prometheus.Counter
	SnapshotsCached prometheus.Gauge
	AlertsTriggered prometheus.Counter
	JobRuns         *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	SessionState    prometheus.Gauge
	Reconnects      prometheus.Counter

	registry *prometheus.Registry
	Mutex    sync.Mutex
}

func New() *CockpitMetrics {
	m := &CockpitMetrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "The total number of snapshot fetches attempted",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_errors_total",
			Help:      "The total number of failed snapshot fetches",
		}),
		SnapshotsCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "snapshots_cached",
			Help:      "Snapshots returned by the latest successful fetch",
		}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggered_total",
			Help:      "The total number of alerts that fired",
		}),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "runs_total",
				Help:      "Job executions by job and outcome",
			},
			[]string{"job", "status"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "sent_total",
				Help:      "Notification attempts by sink and outcome",
			},
			[]string{"sink", "result"},
		),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Quote session state: 0 disconnected, 1 connecting, 2 connected, 3 failed",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "The total number of session connect attempts",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Polls, m.FetchErrors, m.SnapshotsCached, m.AlertsTriggered,
		m.JobRuns, m.Notifications, m.SessionState, m.Reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *CockpitMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePoll records one fetch outcome.
func (m *CockpitMetrics) ObservePoll(fetched int, err error) {
	m.Polls.Inc()
	if err != nil {
		m.FetchErrors.Inc()
		return
	}
	m.SnapshotsCached.Set(float64(fetched))
}

func (m *CockpitMetrics) ObserveAlerts(n int) {
	m.AlertsTriggered.Add(float64(n))
}

func (m *CockpitMetrics) ObserveJob(name string, err error) {
	status := resultOK
	if err != nil {
		status = resultError
	}
	m.JobRuns.WithLabelValues(name, status).Inc()
}

func (m *CockpitMetrics) ObserveNotification(sink string, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.Notifications.WithLabelValues(sink, result).Inc()
}

// ObserveSessionState takes the numeric session state; entering connecting
// counts as a connect attempt.
func (m *CockpitMetrics) ObserveSessionState(state int, connecting bool) {
	m.SessionState.Set(float64(state))
	if connecting {
		m.Reconnects.Inc()
	}
}

// Load restores persisted counters. Call once, before serving.
func (m *CockpitMetrics) Load(store Store) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()

	for name, c := range m.counters() {
		v, err := store.GetMetric(name)
		if err != nil {
			log.Warnf("Failed to load metric %s: %v", name, err)
			continue
		}
		c.Add(v)
	}

	for name, vec := range m.vecs() {
		labeled, err := store.GetMetricsWithLabels(name)
		if err != nil {
			log.Warnf("Failed to load metric %s: %v", name, err)
			continue
		}
		for first, values := range labeled {
			for second, v := range values {
				vec.WithLabelValues(first, second).Add(v)
			}
		}
	}
	log.Debug("Metrics loaded from database.")
}

// Save writes counters to the store.
func (m *CockpitMetrics) Save(store Store) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()

	for name, c := range m.counters() {
		if err := store.SaveMetric(name, GetMetricValue(c)); err != nil {
			log.Warnf("Failed to save metric %s: %v", name, err)
		}
	}

	for name, vec := range m.vecs() {
		metricChan := make(chan prometheus.Metric, 16)
		go func() {
			vec.Collect(metricChan)
			close(metricChan)
		}()

		for metric := range metricChan {
			metricProto := &dto.Metric{}
			if err := metric.Write(metricProto); err != nil {
				log.Warnf("Failed to read %s metric: %v", name, err)
				continue
			}
			labels := metricProto.GetLabel()
			if len(labels) != 2 {
				continue
			}
			// labels come sorted by name: job/status and result/sink
			first, second := labels[0].GetValue(), labels[1].GetValue()
			if labels[0].GetName() == "result" {
				first, second = second, first
			}
			if err := store.SaveMetricWithLabels(name, first, second, metricProto.GetCounter().GetValue()); err != nil {
				log.Warnf("Failed to save metric %s: %v", name, err)
			}
		}
	}
	log.Debug("Metrics saved to database.")
}

func (m *CockpitMetrics) counters() map[string]prometheus.Counter {
	return map[string]prometheus.Counter{
		"polls":            m.Polls,
		"fetch_errors":     m.FetchErrors,
		"alerts_triggered": m.AlertsTriggered,
		"connect_attempts": m.Reconnects,
	}
}

func (m *CockpitMetrics) vecs() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"job_runs":      m.JobRuns,
		"notifications": m.Notifications,
	}
}

// GetMetricValue reads the current value of a single counter or gauge.
func GetMetricValue(metric prometheus.Collector) float64 {
	metricChan := make(chan prometheus.Metric, 1)
	metric.Collect(metricChan)
	close(metricChan)

	metricProto := &dto.Metric{}
	if err := (<-metricChan).Write(metricProto); err != nil {
		log.Warnf("Failed to read metric value: %v", err)
		return 0
	}

	if metricProto.Counter != nil {
		return metricProto.Counter.GetValue()
	} else if metricProto.Gauge != nil {
		return metricProto.Gauge.GetValue()
	}
	return 0
}
