package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the BDT/NDN stack.
type Metrics struct {
	// Keystore
	KeystoreKeysActive   prometheus.Gauge
	KeystoreHashesActive prometheus.Gauge
	KeystoreEvictions    *prometheus.CounterVec

	// SN ping
	PingRoundsTotal *prometheus.CounterVec
	PingRTT         prometheus.Histogram

	// SN call
	CallAttemptsTotal *prometheus.CounterVec
	CallDuration      prometheus.Histogram
	CallCacheHits     prometheus.Counter

	// Tunnel
	TunnelsActive        prometheus.Gauge
	TunnelEstablishTotal *prometheus.CounterVec
	HolepunchAttempts    *prometheus.CounterVec

	// Channel / NDN
	PiecesSentTotal      prometheus.Counter
	PiecesReceivedTotal  prometheus.Counter
	PieceRetransmitTotal *prometheus.CounterVec
	ChannelDuration      prometheus.Histogram

	// FEC
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsTotal           prometheus.Counter

	// BBR
	BBRPacingRateBps prometheus.Gauge
	BBRCwndBytes     prometheus.Gauge
	BBRPhase         *prometheus.GaugeVec

	// DHT
	DHTNodesKnown   prometheus.Gauge
	DHTLookupsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		KeystoreKeysActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_keystore_keys_active",
			Help: "Number of live keys held in the keystore",
		}),
		KeystoreHashesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_keystore_mix_hashes_active",
			Help: "Number of live rolling mix-hashes",
		}),
		KeystoreEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_keystore_evictions_total",
			Help: "Keystore capacity evictions",
		}, []string{"kind"}),

		PingRoundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_sn_ping_rounds_total",
			Help: "SN ping rounds by outcome",
		}, []string{"result"}),
		PingRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bdt_sn_ping_rtt_seconds",
			Help:    "SN ping round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),

		CallAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_sn_call_attempts_total",
			Help: "SN call attempts by outcome",
		}, []string{"result"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bdt_sn_call_duration_seconds",
			Help:    "Time to resolve an SN call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		CallCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_sn_call_cache_hits_total",
			Help: "Calls resolved from the active-endpoint cache without fan-out",
		}),

		TunnelsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_tunnels_active",
			Help: "Currently open tunnels",
		}),
		TunnelEstablishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_tunnel_establish_total",
			Help: "Tunnel establishment attempts by path and outcome",
		}, []string{"path", "result"}),
		HolepunchAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_tunnel_holepunch_attempts_total",
			Help: "Direct holepunch probes by outcome",
		}, []string{"result"}),

		PiecesSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_channel_pieces_sent_total",
			Help: "PieceData frames sent",
		}),
		PiecesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_channel_pieces_received_total",
			Help: "PieceData frames received",
		}),
		PieceRetransmitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_channel_piece_retransmit_total",
			Help: "Piece retransmissions by reason",
		}, []string{"reason"}),
		ChannelDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bdt_channel_duration_seconds",
			Help:    "Channel session completion time",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		FECReconstructionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_fec_reconstructions_total",
			Help: "Successful FEC reconstructions",
		}),
		FECReconstructionFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_fec_reconstruction_failures_total",
			Help: "Failed FEC reconstructions (too many missing shards)",
		}),
		FECParityShardsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bdt_fec_parity_shards_total",
			Help: "Parity shards generated",
		}),

		BBRPacingRateBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_bbr_pacing_rate_bytes_per_second",
			Help: "Current BBR pacing rate",
		}),
		BBRCwndBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_bbr_cwnd_bytes",
			Help: "Current BBR congestion window",
		}),
		BBRPhase: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bdt_bbr_phase",
			Help: "1 if the tunnel's BBR state machine is in the given phase",
		}, []string{"phase"}),

		DHTNodesKnown: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bdt_dht_nodes_known",
			Help: "Nodes currently held across all k-buckets",
		}),
		DHTLookupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bdt_dht_lookups_total",
			Help: "Iterative find operations by outcome",
		}, []string{"result"}),
	}
}

// RecordPingRound records the outcome of one SN ping round.
func (m *Metrics) RecordPingRound(online bool, rttSeconds float64) {
	result := "offline"
	if online {
		result = "online"
	}
	m.PingRoundsTotal.WithLabelValues(result).Inc()
	if online {
		m.PingRTT.Observe(rttSeconds)
	}
}

// RecordCall records a completed SN call attempt.
func (m *Metrics) RecordCall(result string, durationSeconds float64, fromCache bool) {
	m.CallAttemptsTotal.WithLabelValues(result).Inc()
	m.CallDuration.Observe(durationSeconds)
	if fromCache {
		m.CallCacheHits.Inc()
	}
}

// RecordTunnelEstablish records a tunnel establishment attempt.
func (m *Metrics) RecordTunnelEstablish(path string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TunnelEstablishTotal.WithLabelValues(path, result).Inc()
}

// RecordHolepunch records a direct holepunch probe outcome.
func (m *Metrics) RecordHolepunch(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.HolepunchAttempts.WithLabelValues(result).Inc()
}

// RecordPieceRetransmit increments retransmit counters by reason.
func (m *Metrics) RecordPieceRetransmit(reason string) {
	m.PieceRetransmitTotal.WithLabelValues(reason).Inc()
}

// RecordFECReconstruction records a FEC reconstruction attempt outcome.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetBBRState publishes the current BBR pacing rate, cwnd and active phase.
func (m *Metrics) SetBBRState(pacingRateBps float64, cwndBytes float64, phase string, phases []string) {
	m.BBRPacingRateBps.Set(pacingRateBps)
	m.BBRCwndBytes.Set(cwndBytes)
	for _, p := range phases {
		if p == phase {
			m.BBRPhase.WithLabelValues(p).Set(1)
		} else {
			m.BBRPhase.WithLabelValues(p).Set(0)
		}
	}
}

// RecordDHTLookup records an iterative find operation outcome.
func (m *Metrics) RecordDHTLookup(found bool) {
	result := "miss"
	if found {
		result = "hit"
	}
	m.DHTLookupsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
