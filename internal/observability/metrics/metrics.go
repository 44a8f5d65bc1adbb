package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coachline"

// Recorder owns the Prometheus collectors for HTTP traffic and the video
// pipeline. Every Recorder registers into its own registry so tests and
// embedded servers do not collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobsSubmitted   *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	deliveryCopies  *prometheus.CounterVec
	playbackSigned  *prometheus.CounterVec
	mediaBytes      *prometheus.CounterVec
	activeCopies    prometheus.Gauge
}

// New constructs a Recorder backed by a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route template and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_transcode_jobs_submitted_total",
			Help:      "Transcode job submissions, by result.",
		}, []string{"result"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_webhook_events_total",
			Help:      "Transcoder webhook events, by job state and outcome.",
		}, []string{"state", "outcome"}),
		deliveryCopies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_delivery_copies_total",
			Help:      "Objects copied into the delivery bucket, by result.",
		}, []string{"result"}),
		playbackSigned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_playback_urls_signed_total",
			Help:      "Signed playback URLs issued, by format.",
		}, []string{"format"}),
		mediaBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_media_bytes_served_total",
			Help:      "Response bytes written by the local media route, by method.",
		}, []string{"method"}),
		activeCopies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "video_delivery_copies_in_flight",
			Help:      "Delivery copy batches currently running.",
		}),
	}
}

var defaultRecorder atomic.Pointer[Recorder]

func init() {
	defaultRecorder.Store(New())
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder.Load()
}

// SetDefault replaces the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultRecorder.Store(r)
}

// Registry exposes the underlying registry for callers registering extra
// collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records a served HTTP request under its route template.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.observeRoute(method, RouteLabel(path), status, duration)
}

func (r *Recorder) observeRoute(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// MediaBytesServed adds to the local media egress counter. HEAD and empty
// bodies are skipped.
func (r *Recorder) MediaBytesServed(method string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.mediaBytes.WithLabelValues(strings.ToUpper(strings.TrimSpace(method))).Add(float64(n))
}

// TranscodeJobSubmitted records a submission attempt; result is "ok" or "error".
func (r *Recorder) TranscodeJobSubmitted(result string) {
	if r == nil {
		return
	}
	r.jobsSubmitted.WithLabelValues(normalizeName(result)).Inc()
}

// WebhookEvent records how a transcoder callback was handled.
func (r *Recorder) WebhookEvent(state, outcome string) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(normalizeName(state), normalizeName(outcome)).Inc()
}

// DeliveryCopy records a single object copy into the delivery bucket.
func (r *Recorder) DeliveryCopy(result string) {
	if r == nil {
		return
	}
	r.deliveryCopies.WithLabelValues(normalizeName(result)).Inc()
}

// CopyBatchStarted marks a delivery copy batch as running. The returned func
// marks it finished.
func (r *Recorder) CopyBatchStarted() func() {
	if r == nil {
		return func() {}
	}
	r.activeCopies.Inc()
	return r.activeCopies.Dec
}

// PlaybackURLSigned records an issued playback URL.
func (r *Recorder) PlaybackURLSigned(format string) {
	if r == nil {
		return
	}
	r.playbackSigned.WithLabelValues(normalizeName(format)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
