package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"report-evaluation-pipeline/shared/httpx"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	brokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "1 when the AMQP connection is open.",
		},
	)
	brokerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total AMQP reconnect attempts.",
		},
	)
	brokerPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "AMQP publishes by result.",
		},
		[]string{"result"},
	)
	brokerDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "AMQP deliveries by settlement outcome.",
		},
		[]string{"queue", "outcome"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_cache_lookups_total",
			Help: "Evaluation cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)
	reportDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_dispatch_total",
			Help: "Report dispatches by result.",
		},
		[]string{"result"},
	)
	reportDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "report_dispatch_duration_seconds",
			Help:    "Time from dispatch start to broker confirmation, including retries.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
	reportCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_completion_events_total",
			Help: "Completion events by handling outcome.",
		},
		[]string{"outcome"},
	)
	reportCompletionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_completion_duration_seconds",
			Help:    "Completion event handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	reconcileRedispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_reconcile_total",
			Help: "Reconciliation sweep redispatches by result.",
		},
		[]string{"result"},
	)
	outboxRelays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_total",
			Help: "Outbox relay attempts by result.",
		},
		[]string{"result"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	indicatorFetchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indicator_fetch_failures_total",
			Help: "Total failures fetching the active indicator snapshot.",
		},
	)
	indicatorFetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indicator_fetch_latency_seconds",
			Help:    "Indicator snapshot fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	notifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_failures_total",
			Help: "Total notification service failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			brokerConnected, brokerReconnects, brokerPublishes, brokerDeliveries,
			cacheLookups, reportDispatches, reportDispatchLatency, reportCompletions, reportCompletionLatency,
			reconcileRedispatches, outboxRelays, kafkaConsumerLag, influxWriteFailures,
			indicatorFetchFailures, indicatorFetchLatency, notifyFailures, asynqQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httpx.AsStatusRecorder(w)
		next.ServeHTTP(rec, r)
		path := routeLabel(r.URL.Path)
		status := strconv.Itoa(rec.Status())
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func SetBrokerConnected(connected bool) {
	if connected {
		brokerConnected.Set(1)
		return
	}
	brokerConnected.Set(0)
}

func IncBrokerReconnect() {
	brokerReconnects.Inc()
}

func IncBrokerPublish(result string) {
	brokerPublishes.WithLabelValues(result).Inc()
}

func IncBrokerDelivery(queue string, outcome string) {
	brokerDeliveries.WithLabelValues(queue, outcome).Inc()
}

func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func IncDispatch(result string) {
	reportDispatches.WithLabelValues(result).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	reportDispatchLatency.Observe(d.Seconds())
}

func ObserveCompletion(outcome string, d time.Duration) {
	reportCompletions.WithLabelValues(outcome).Inc()
	reportCompletionLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func IncReconcile(result string) {
	reconcileRedispatches.WithLabelValues(result).Inc()
}

func IncOutboxRelay(result string) {
	outboxRelays.WithLabelValues(result).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncIndicatorFetchFailure() {
	indicatorFetchFailures.Inc()
}

func ObserveIndicatorFetchLatency(d time.Duration) {
	indicatorFetchLatency.Observe(d.Seconds())
}

func IncNotifyFailure() {
	notifyFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// routeLabel collapses numeric path segments so report ids do not become labels.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
