package monitoring

import (
	"time"

	"relaycast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	broadcastersActive prometheus.Gauge
	viewersActive      prometheus.Gauge

	// Counters
	sessionsTotal        *prometheus.CounterVec
	sessionFailuresTotal *prometheus.CounterVec

	// Histograms
	negotiationDuration *prometheus.HistogramVec

	// Per-stream metrics
	streamViewerCount *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		broadcastersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_broadcasters_active",
			Help: "Number of active broadcasters",
		}),

		viewersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_viewers_active",
			Help: "Number of active viewers",
		}),

		sessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_sessions_total",
			Help: "Total number of peer sessions created",
		}, []string{"role"}),

		sessionFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_session_failures_total",
			Help: "Total number of peer sessions that failed or timed out",
		}, []string{"role"}),

		negotiationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaycast_negotiation_duration_seconds",
			Help:    "Duration of SDP negotiation including ICE gathering",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		streamViewerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaycast_stream_viewer_count",
			Help: "Number of viewers attached to each stream",
		}, []string{"stream_id"}),
	}
}

func (p *PrometheusCollector) SessionStarted(role domain.SessionRole) {
	p.sessionsTotal.WithLabelValues(string(role)).Inc()
	p.roleGauge(role).Inc()
}

func (p *PrometheusCollector) SessionEnded(role domain.SessionRole) {
	p.roleGauge(role).Dec()
}

func (p *PrometheusCollector) SessionFailed(role domain.SessionRole) {
	p.sessionFailuresTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) ObserveNegotiation(role domain.SessionRole, d time.Duration) {
	p.negotiationDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (p *PrometheusCollector) SetStreamViewers(streamID domain.StreamID, count int) {
	p.streamViewerCount.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) StreamStarted() {}

func (p *PrometheusCollector) StreamEnded(streamID domain.StreamID) {
	// Drop per-stream series so ended streams do not linger in scrapes.
	p.streamViewerCount.DeleteLabelValues(string(streamID))
}

func (p *PrometheusCollector) roleGauge(role domain.SessionRole) prometheus.Gauge {
	if role == domain.RoleBroadcaster {
		return p.broadcastersActive
	}
	return p.viewersActive
}
