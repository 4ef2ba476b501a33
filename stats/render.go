// Package stats renders the relay's counters as the tab-separated
// text/plain document served at /stats (§6), and exports the same
// figures to Prometheus via the teacher's observability/prom pattern.
package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/floegence/mtrelay/runtime"
)

// Snapshot is everything the stats endpoint needs beyond what Runtime.Stats
// already gathers.
type Snapshot struct {
	GeneratedAt       time.Time
	BootstrapWarnings int
	Runtime           runtime.Stats
}

// kv is one ordered key/value line.
type kv struct {
	key   string
	value interface{}
}

// Render writes snap as the line-oriented `<key>\t<value>\n` document
// described in §6, preserving the required keys' documented order.
func Render(w io.Writer, snap Snapshot) error {
	r := snap.Runtime
	hasConfig := r.ConfigSnap.SourcePath != ""
	lines := []kv{
		{"stats_generated_at", snap.GeneratedAt.UTC().Format(time.RFC3339)},
		{"has_current_config", boolInt(hasConfig)},
		{"config_filename", r.ConfigSnap.SourcePath},
		{"config_loaded_at", r.ConfigSnap.LoadedAt.UTC().Format(time.RFC3339)},
		{"config_size", r.ConfigSnap.ByteCount},
		{"config_md5", r.ConfigSnap.MD5Hex},
		{"config_auth_clusters", r.Router.Clusters},
		{"router_default_cluster", r.Router.DefaultClusterID},
		{"router_clusters", r.Router.Clusters},
		{"router_targets", r.Router.Targets},
		{"targets_healthy", r.Router.TargetsHealthy},
		{"targets_unhealthy", r.Router.TargetsUnhealthy},
		{"bootstrap_warnings", snap.BootstrapWarnings},
		{"config_check_calls", r.Config.CheckCalls},
		{"config_reload_calls", r.Config.ReloadCalls},
		{"config_reload_success", r.Config.ReloadSuccess},
		{"config_reload_last_error", r.Config.LastError},

		{"forward_total", r.Forward.ForwardTotal},
		{"forward_successful", r.Forward.ForwardSuccessful},
		{"forward_failed", r.Forward.ForwardFailed},
		{"forward_used_default", r.Forward.ForwardUsedDefault},
		{"forward_bytes", r.Forward.ForwardBytes},
		{"forward_avg_payload_bytes", r.Forward.ForwardAvgPayloadBytes},
		{"forward_last_error", r.Forward.ForwardLastError},

		{"dataplane_active_sessions", r.DataPlane.ActiveSessions},
		{"dataplane_session_limit", r.DataPlane.SessionLimit},
		{"dataplane_sessions_created", r.DataPlane.SessionsCreated},
		{"dataplane_sessions_closed", r.DataPlane.SessionsClosed},
		{"dataplane_packets_total", r.DataPlane.PacketsTotal},
		{"dataplane_packets_encrypted", r.DataPlane.PacketsEncrypted},
		{"dataplane_packets_handshake", r.DataPlane.PacketsHandshake},
		{"dataplane_packets_dropped", r.DataPlane.PacketsDropped},
		{"dataplane_packets_parse_errors", r.DataPlane.ParseErrors},
		{"dataplane_packets_route_errors", r.DataPlane.RouteErrors},
		{"dataplane_packets_rejected_limit", r.DataPlane.RejectedByLimit},
		{"dataplane_packets_rejected_dh_rate", r.DataPlane.RejectedByDHRate},
		{"dataplane_packets_outbound_errors", r.DataPlane.OutboundErrors},
		{"dataplane_bytes_total", r.DataPlane.BytesTotal},

		{"outbound_dials", r.Outbound.Dials},
		{"outbound_dial_errors", r.Outbound.DialErrors},
		{"outbound_sends", r.Outbound.Sends},
		{"outbound_send_errors", r.Outbound.SendErrors},
		{"outbound_bytes_sent", r.Outbound.BytesSent},
		{"outbound_responses", r.Outbound.Responses},
		{"outbound_response_errors", r.Outbound.ResponseErrors},
		{"outbound_response_bytes", r.Outbound.ResponseBytes},
		{"outbound_active_sends", r.Outbound.ActiveSends},
		{"outbound_active_conns", r.Outbound.ActiveConns},
		{"outbound_pool_hits", r.Outbound.PoolHits},
		{"outbound_pool_misses", r.Outbound.PoolMisses},
		{"outbound_reconnects", r.Outbound.Reconnects},
		{"outbound_idle_evictions", r.Outbound.IdleEvictions},
		{"outbound_closed_after_send", r.Outbound.ClosedAfterSend},

		{"ingress_active", r.Ingress.Active},
		{"ingress_accepted", r.Ingress.Accepted},
		{"ingress_accept_rate_limited", r.Ingress.AcceptRateLimited},
		{"ingress_closed", r.Ingress.Closed},
		{"ingress_frames_received", r.Ingress.FramesReceived},
		{"ingress_frames_handled", r.Ingress.FramesHandled},
		{"ingress_frames_returned", r.Ingress.FramesReturned},
		{"ingress_frames_failed", r.Ingress.FramesFailed},
		{"ingress_bytes_received", r.Ingress.BytesReceived},
		{"ingress_bytes_returned", r.Ingress.BytesReturned},
		{"ingress_read_errors", r.Ingress.ReadErrors},
		{"ingress_write_errors", r.Ingress.WriteErrors},
		{"ingress_invalid_frames", r.Ingress.InvalidFrames},
	}

	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s\t%v\n", l.key, l.value); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
