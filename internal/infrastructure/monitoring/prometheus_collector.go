package monitoring

import (
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ ports.MediaMetrics = (*PrometheusCollector)(nil)

// PrometheusCollector implements ports.MediaMetrics.
type PrometheusCollector struct {
	peers *prometheus.GaugeVec

	// Counters
	negotiationsTotal     *prometheus.CounterVec
	softReleasesTotal     *prometheus.CounterVec
	produceSuperseded     *prometheus.CounterVec
	transportStateChanges *prometheus.CounterVec
	playbackRecoveries    *prometheus.CounterVec
	signalingMessages     *prometheus.CounterVec

	// Histograms
	negotiationDuration prometheus.Histogram
}

// NewPrometheusCollector registers the client metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfuclient_peers",
			Help: "Number of media peers by role",
		}, []string{"role"}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_negotiations_total",
			Help: "Finished transport negotiations by role and result",
		}, []string{"role", "result"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sfuclient_negotiation_duration_seconds",
			Help:    "Time from capability request to a connected transport",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		softReleasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_soft_releases_total",
			Help: "Peers released for renegotiation, by reason",
		}, []string{"reason"}),

		produceSuperseded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_produce_superseded_total",
			Help: "Produce handshakes overtaken by a newer track",
		}, []string{"kind"}),

		transportStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_transport_state_changes_total",
			Help: "Engine transport connection state changes",
		}, []string{"state"}),

		playbackRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_playback_recoveries_total",
			Help: "Sinks reloaded after a stalled or degraded stream",
		}, []string{"kind"}),

		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfuclient_signaling_messages_total",
			Help: "Signaling frames by direction and type",
		}, []string{"direction", "type"}),
	}
}

func (p *PrometheusCollector) PeerAdded(role domain.Role) {
	p.peers.WithLabelValues(role.String()).Inc()
}

func (p *PrometheusCollector) PeerRemoved(role domain.Role) {
	p.peers.WithLabelValues(role.String()).Dec()
}

func (p *PrometheusCollector) NegotiationFinished(role domain.Role, result string, duration time.Duration) {
	p.negotiationsTotal.WithLabelValues(role.String(), result).Inc()
	if result == "connected" {
		p.negotiationDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) SoftRelease(reason string) {
	p.softReleasesTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ProduceSuperseded(kind domain.Kind) {
	p.produceSuperseded.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) TransportStateChanged(state domain.ConnectionState) {
	p.transportStateChanges.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) PlaybackRecovered(kind domain.Kind) {
	p.playbackRecoveries.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalingMessage(direction, msgType string) {
	p.signalingMessages.WithLabelValues(direction, msgType).Inc()
}
