package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onebot"

// Metrics are grouped by the component that records them.
type laneMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

type appMetrics struct {
	actionsTotal    *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	pendingWaiters  *prometheus.GaugeVec
	botsConnected   prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	framesMalformed *prometheus.CounterVec
	echoUnmatched   prometheus.Counter
}

type implMetrics struct {
	actionsTotal *prometheus.CounterVec
	eventsSent   *prometheus.CounterVec
}

type moduleMetrics struct {
	lane laneMetrics
	app  appMetrics
	impl implMetrics
}

var getMetrics = sync.OnceValue(func() *moduleMetrics {
	f := promauto.With(prometheus.DefaultRegisterer)
	return &moduleMetrics{
		lane: laneMetrics{
			queueSize: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "lane", Name: "queue_size",
				Help: "Tasks waiting in a lane.",
			}, []string{"lane"}),
			enqueueTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "lane", Name: "enqueue_total",
				Help: "Tasks submitted to a lane.",
			}, []string{"lane"}),
			tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "lane", Name: "tasks_total",
				Help: "Tasks finished by a lane, by status.",
			}, []string{"lane", "status"}),
			taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Subsystem: "lane", Name: "task_duration_seconds",
				Help:    "Time a lane spent running a task.",
				Buckets: prometheus.DefBuckets,
			}, []string{"lane"}),
		},
		app: appMetrics{
			actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "actions_total",
				Help: "Actions called, by action name and outcome.",
			}, []string{"action", "status"}),
			actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "action_duration_seconds",
				Help:    "Time from sending an action to its outcome.",
				Buckets: prometheus.DefBuckets,
			}, []string{"action"}),
			pendingWaiters: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "pending_waiters",
				Help: "Actions awaiting a response, by bot.",
			}, []string{"bot"}),
			botsConnected: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "bots_connected",
				Help: "Bots with a live transport binding.",
			}),
			eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "events_total",
				Help: "Inbound events by type and detail type.",
			}, []string{"type", "detail_type"}),
			eventsDuplicate: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "events_duplicate_total",
				Help: "Inbound events dropped as redeliveries.",
			}),
			framesMalformed: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "frames_malformed_total",
				Help: "Inbound frames discarded as malformed, by transport kind.",
			}, []string{"kind"}),
			echoUnmatched: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "responses_unmatched_total",
				Help: "Responses whose echo matched no pending action.",
			}),
		},
		impl: implMetrics{
			actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "impl", Name: "actions_total",
				Help: "Actions served, by action name and outcome.",
			}, []string{"action", "status"}),
			eventsSent: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "impl", Name: "events_sent_total",
				Help: "Events pushed to applications, by transport kind.",
			}, []string{"kind"}),
		},
	}
})

// EnsureRegistered registers the collectors with the default registry. It
// is safe to call repeatedly.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func RecordQueueEnqueue(lane string, depth int) {
	m := getMetrics().lane
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(depth))
}

func SetQueueSize(lane string, depth int) {
	getMetrics().lane.queueSize.WithLabelValues(lane).Set(float64(depth))
}

// RecordQueueCompletion records a finished lane task and the lane depth
// left behind it.
func RecordQueueCompletion(lane string, elapsed time.Duration, success bool, depth int) {
	m := getMetrics().lane
	m.tasksTotal.WithLabelValues(lane, outcome(success, "success", "error")).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(elapsed.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(depth))
}

// RecordAction records the outcome of one correlated call. status is one
// of ok, failed, timeout, disconnected or send_failed.
func RecordAction(action, status string, elapsed time.Duration) {
	m := getMetrics().app
	m.actionsTotal.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func SetPendingWaiters(bot string, count int) {
	getMetrics().app.pendingWaiters.WithLabelValues(bot).Set(float64(count))
}

func SetBotsConnected(count int) {
	getMetrics().app.botsConnected.Set(float64(count))
}

func RecordEvent(eventType, detailType string) {
	getMetrics().app.eventsTotal.WithLabelValues(eventType, detailType).Inc()
}

func RecordDuplicateEvent() {
	getMetrics().app.eventsDuplicate.Inc()
}

func RecordMalformedFrame(kind string) {
	getMetrics().app.framesMalformed.WithLabelValues(kind).Inc()
}

func RecordUnmatchedResponse() {
	getMetrics().app.echoUnmatched.Inc()
}

func RecordImplAction(action string, succeeded bool) {
	getMetrics().impl.actionsTotal.WithLabelValues(action, outcome(succeeded, "ok", "failed")).Inc()
}

func RecordImplEventSent(kind string) {
	getMetrics().impl.eventsSent.WithLabelValues(kind).Inc()
}
