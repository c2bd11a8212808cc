package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for launch processing.
// A nil or disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	launchesTotal     *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	jwksCacheTotal    *prometheus.CounterVec
	noncesPurged      prometheus.Counter
	deepLinkingSigned prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(m.registry)

	m.launchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lti_launches_total",
		Help: "LTI launch attempts by result",
	}, []string{"result"})

	m.rejectionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lti_launch_rejections_total",
		Help: "Rejected LTI launches by reason",
	}, []string{"reason"})

	m.jwksCacheTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lti_jwks_cache_requests_total",
		Help: "Platform key set lookups by cache outcome",
	}, []string{"outcome"})

	m.noncesPurged = factory.NewCounter(prometheus.CounterOpts{
		Name: "lti_nonces_purged_total",
		Help: "Expired nonces removed by maintenance",
	})

	m.deepLinkingSigned = factory.NewCounter(prometheus.CounterOpts{
		Name: "lti_deep_linking_responses_total",
		Help: "Signed deep linking responses",
	})

	return m
}

func (m *Metrics) on() bool {
	return m != nil && m.enabled
}

// LaunchCompleted counts a successful launch.
func (m *Metrics) LaunchCompleted() {
	if !m.on() {
		return
	}
	m.launchesTotal.WithLabelValues("completed").Inc()
}

// LaunchRejected counts a rejected launch under its internal reason.
func (m *Metrics) LaunchRejected(reason string) {
	if !m.on() {
		return
	}
	m.launchesTotal.WithLabelValues("rejected").Inc()
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

// JWKSCacheHit counts a key set served from cache.
func (m *Metrics) JWKSCacheHit() {
	if !m.on() {
		return
	}
	m.jwksCacheTotal.WithLabelValues("hit").Inc()
}

// JWKSCacheMiss counts a key set fetched from the platform.
func (m *Metrics) JWKSCacheMiss() {
	if !m.on() {
		return
	}
	m.jwksCacheTotal.WithLabelValues("miss").Inc()
}

// NoncesPurged adds n purged nonces.
func (m *Metrics) NoncesPurged(n int64) {
	if !m.on() || n <= 0 {
		return
	}
	m.noncesPurged.Add(float64(n))
}

// DeepLinkingSigned counts a signed deep linking response.
func (m *Metrics) DeepLinkingSigned() {
	if !m.on() {
		return
	}
	m.deepLinkingSigned.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.on() {
		return nil
	}
	return m.registry
}
