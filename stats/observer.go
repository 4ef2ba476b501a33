package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observer exports the relay's counters to Prometheus, grouped the way
// the teacher's TunnelObserver and RPCObserver group theirs: one gauge
// family per concern, registered once and refreshed on every Report
// call. The underlying sources are already cumulative totals (read from
// atomic counters under their owning package's Stats method), so every
// family here is a Gauge set to that total rather than a Counter that
// would double-count across scrapes.
type Observer struct {
	configChecks   prometheus.Gauge
	configReloads  *prometheus.GaugeVec
	targetsHealthy prometheus.Gauge
	targetsUnhealthy prometheus.Gauge

	forward     *prometheus.GaugeVec
	forwardBytes prometheus.Gauge

	sessionsActive prometheus.Gauge
	packets        *prometheus.GaugeVec
	bytesTotal     prometheus.Gauge

	outboundConns *prometheus.GaugeVec
	outboundBytes prometheus.Gauge

	ingressConns  *prometheus.GaugeVec
	ingressFrames *prometheus.GaugeVec
}

// NewObserver registers the relay's metric families on reg.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		configChecks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_config_check_calls",
			Help: "Config check calls since start.",
		}),
		configReloads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_config_reload_calls",
			Help: "Config reload calls by result.",
		}, []string{"result"}),
		targetsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_targets_healthy",
			Help: "Upstream targets currently considered healthy.",
		}),
		targetsUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_targets_unhealthy",
			Help: "Upstream targets currently considered unhealthy.",
		}),
		forward: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_forward_decisions",
			Help: "Forward decisions by result.",
		}, []string{"result"}),
		forwardBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_forward_bytes_total",
			Help: "Payload bytes handed to successful forward decisions.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_dataplane_active_sessions",
			Help: "Currently tracked client sessions.",
		}),
		packets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_dataplane_packets_total",
			Help: "Packets processed by kind.",
		}, []string{"kind"}),
		bytesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_dataplane_bytes_total",
			Help: "Bytes processed by the data plane.",
		}),
		outboundConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_outbound_conns",
			Help: "Outbound pooled connection counters.",
		}, []string{"kind"}),
		outboundBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtrelay_outbound_bytes_sent_total",
			Help: "Bytes sent to upstream targets.",
		}),
		ingressConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_ingress_conns",
			Help: "Ingress connection counters.",
		}, []string{"kind"}),
		ingressFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtrelay_ingress_frames_total",
			Help: "Client frames by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		o.configChecks,
		o.configReloads,
		o.targetsHealthy,
		o.targetsUnhealthy,
		o.forward,
		o.forwardBytes,
		o.sessionsActive,
		o.packets,
		o.bytesTotal,
		o.outboundConns,
		o.outboundBytes,
		o.ingressConns,
		o.ingressFrames,
	)
	return o
}

// Report pushes the latest snapshot's cumulative totals into every
// registered metric.
func (o *Observer) Report(snap Snapshot) {
	r := snap.Runtime

	o.configChecks.Set(float64(r.Config.CheckCalls))
	o.configReloads.WithLabelValues("calls").Set(float64(r.Config.ReloadCalls))
	o.configReloads.WithLabelValues("success").Set(float64(r.Config.ReloadSuccess))

	o.targetsHealthy.Set(float64(r.Router.TargetsHealthy))
	o.targetsUnhealthy.Set(float64(r.Router.TargetsUnhealthy))

	o.forward.WithLabelValues("total").Set(float64(r.Forward.ForwardTotal))
	o.forward.WithLabelValues("successful").Set(float64(r.Forward.ForwardSuccessful))
	o.forward.WithLabelValues("failed").Set(float64(r.Forward.ForwardFailed))
	o.forward.WithLabelValues("used_default").Set(float64(r.Forward.ForwardUsedDefault))
	o.forwardBytes.Set(float64(r.Forward.ForwardBytes))

	o.sessionsActive.Set(float64(r.DataPlane.ActiveSessions))
	o.packets.WithLabelValues("total").Set(float64(r.DataPlane.PacketsTotal))
	o.packets.WithLabelValues("encrypted").Set(float64(r.DataPlane.PacketsEncrypted))
	o.packets.WithLabelValues("handshake").Set(float64(r.DataPlane.PacketsHandshake))
	o.packets.WithLabelValues("dropped").Set(float64(r.DataPlane.PacketsDropped))
	o.bytesTotal.Set(float64(r.DataPlane.BytesTotal))

	o.outboundConns.WithLabelValues("active").Set(float64(r.Outbound.ActiveConns))
	o.outboundConns.WithLabelValues("dials").Set(float64(r.Outbound.Dials))
	o.outboundConns.WithLabelValues("dial_errors").Set(float64(r.Outbound.DialErrors))
	o.outboundConns.WithLabelValues("pool_hits").Set(float64(r.Outbound.PoolHits))
	o.outboundConns.WithLabelValues("pool_misses").Set(float64(r.Outbound.PoolMisses))
	o.outboundBytes.Set(float64(r.Outbound.BytesSent))

	o.ingressConns.WithLabelValues("active").Set(float64(r.Ingress.Active))
	o.ingressConns.WithLabelValues("accepted").Set(float64(r.Ingress.Accepted))
	o.ingressConns.WithLabelValues("closed").Set(float64(r.Ingress.Closed))
	o.ingressFrames.WithLabelValues("received").Set(float64(r.Ingress.FramesReceived))
	o.ingressFrames.WithLabelValues("handled").Set(float64(r.Ingress.FramesHandled))
	o.ingressFrames.WithLabelValues("failed").Set(float64(r.Ingress.FramesFailed))
}
