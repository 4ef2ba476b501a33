// Package dataplane implements the per-packet pipeline (§4.8): session
// admission, DH-rate limiting, classification, routing, and outbound
// dispatch, with the counters the stats renderer exposes.
package dataplane

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/internal/relerr"
	"github.com/floegence/mtrelay/mtproto"
	"github.com/floegence/mtrelay/session"
)

// Forwarder resolves a target DC id (plus context the router may use for
// health-aware selection) to an upstream Target. The concrete
// implementation lives in the runtime package, composing Router with the
// target-health map.
type Forwarder interface {
	Forward(targetDC int16, authKeyID uint64, payloadSize int) (config.Target, bool, error)
}

// OutboundSender performs the actual framed request/response exchange
// against a resolved target.
type OutboundSender interface {
	Exchange(ctx context.Context, target config.Target, payload []byte) ([]byte, error)
}

// HealthMarker lets the data plane report a target's observed health
// after an outbound call.
type HealthMarker interface {
	MarkHealthy(config.Key)
	MarkUnhealthy(config.Key)
}

// exchangeDeadline is the hard ceiling on an outbound exchange regardless
// of the pool's own read deadline (§5).
const exchangeDeadline = 5 * time.Second

// Counters is a point-in-time snapshot of the data plane's statistics.
type Counters struct {
	PacketsTotal       int64
	PacketsEncrypted   int64
	PacketsHandshake   int64
	PacketsDropped     int64
	ParseErrors        int64
	RouteErrors        int64
	RejectedByLimit    int64
	RejectedByDHRate   int64
	OutboundErrors     int64
	BytesTotal         int64
	SessionsCreated    int64
	SessionsClosed     int64
	ActiveSessions     int64
	SessionLimit       int64
}

type counters struct {
	packetsTotal, packetsEncrypted, packetsHandshake, packetsDropped int64
	parseErrors, routeErrors                                         int64
	rejectedByLimit, rejectedByDHRate                                int64
	outboundErrors                                                   int64
	bytesTotal                                                       int64
	sessionsCreated, sessionsClosed                                  int64
}

// DHRateLimiter is the narrow seam the data plane needs from a rate
// limiter (see package ratelimit).
type DHRateLimiter interface {
	Allow(nowUnix int64) bool
}

// DataPlane composes the session table, DH-rate limiter, router (via
// Forwarder), and outbound sender into the packet pipeline of §4.8.
type DataPlane struct {
	sessions     *session.Manager
	dhLimiter    DHRateLimiter
	forwarder    Forwarder
	outbound     OutboundSender
	health       HealthMarker
	now          func() time.Time
	counters     counters
}

// New constructs a DataPlane. now may be nil to use time.Now.
func New(sessions *session.Manager, dhLimiter DHRateLimiter, forwarder Forwarder, outbound OutboundSender, health HealthMarker, now func() time.Time) *DataPlane {
	if now == nil {
		now = time.Now
	}
	return &DataPlane{
		sessions:  sessions,
		dhLimiter: dhLimiter,
		forwarder: forwarder,
		outbound:  outbound,
		health:    health,
		now:       now,
	}
}

// HandlePacket runs one inbound frame through the full pipeline of §4.8
// and returns the upstream's response bytes (nil is a valid "no
// response" outcome, not an error).
func (d *DataPlane) HandlePacket(ctx context.Context, connID uint64, targetDC int16, frame []byte) ([]byte, error) {
	pkt, err := mtproto.ParseMTProtoPacket(frame)
	if err != nil {
		atomic.AddInt64(&d.counters.parseErrors, 1)
		atomic.AddInt64(&d.counters.packetsDropped, 1)
		return nil, err
	}

	now := d.now()

	if pkt.Kind == mtproto.KindDHHandshake && d.dhLimiter != nil && !d.dhLimiter.Allow(now.Unix()) {
		atomic.AddInt64(&d.counters.rejectedByDHRate, 1)
		atomic.AddInt64(&d.counters.packetsDropped, 1)
		return nil, relerr.New(relerr.StageLimit, relerr.CodeDHRateExceeded)
	}

	sess, created, ok := d.sessions.GetOrCreate(connID, now)
	if !ok {
		atomic.AddInt64(&d.counters.rejectedByLimit, 1)
		atomic.AddInt64(&d.counters.packetsDropped, 1)
		return nil, relerr.New(relerr.StageLimit, relerr.CodeConnectionLimit)
	}
	if created {
		atomic.AddInt64(&d.counters.sessionsCreated, 1)
	}

	atomic.AddInt64(&d.counters.packetsTotal, 1)
	atomic.AddInt64(&d.counters.bytesTotal, int64(len(frame)))

	sess.Touch(now)
	sess.Absorb(pkt.Kind)
	if pkt.Kind == mtproto.KindEncrypted {
		atomic.AddInt64(&d.counters.packetsEncrypted, 1)
	} else {
		atomic.AddInt64(&d.counters.packetsHandshake, 1)
	}

	target, _, err := d.forwarder.Forward(targetDC, pkt.AuthKeyID, len(frame))
	if err != nil {
		atomic.AddInt64(&d.counters.routeErrors, 1)
		atomic.AddInt64(&d.counters.packetsDropped, 1)
		return nil, err
	}

	exCtx, cancel := context.WithTimeout(ctx, exchangeDeadline)
	defer cancel()

	resp, err := d.outbound.Exchange(exCtx, target, frame)
	if err != nil {
		if d.health != nil {
			d.health.MarkUnhealthy(target.Key())
		}
		atomic.AddInt64(&d.counters.outboundErrors, 1)
		atomic.AddInt64(&d.counters.packetsDropped, 1)
		return nil, err
	}
	if d.health != nil {
		d.health.MarkHealthy(target.Key())
	}
	return resp, nil
}

// CloseConnection removes connID's session and counts the close.
func (d *DataPlane) CloseConnection(connID uint64) {
	if d.sessions.Close(connID) {
		atomic.AddInt64(&d.counters.sessionsClosed, 1)
	}
}

// PruneIdle removes sessions idle beyond idle and counts the closes.
func (d *DataPlane) PruneIdle(idle time.Duration, now time.Time) int {
	n := d.sessions.PruneIdle(idle, now)
	atomic.AddInt64(&d.counters.sessionsClosed, int64(n))
	return n
}

// Stats returns a point-in-time snapshot of the data plane's counters.
func (d *DataPlane) Stats() Counters {
	return Counters{
		PacketsTotal:     atomic.LoadInt64(&d.counters.packetsTotal),
		PacketsEncrypted: atomic.LoadInt64(&d.counters.packetsEncrypted),
		PacketsHandshake: atomic.LoadInt64(&d.counters.packetsHandshake),
		PacketsDropped:   atomic.LoadInt64(&d.counters.packetsDropped),
		ParseErrors:      atomic.LoadInt64(&d.counters.parseErrors),
		RouteErrors:      atomic.LoadInt64(&d.counters.routeErrors),
		RejectedByLimit:  atomic.LoadInt64(&d.counters.rejectedByLimit),
		RejectedByDHRate: atomic.LoadInt64(&d.counters.rejectedByDHRate),
		OutboundErrors:   atomic.LoadInt64(&d.counters.outboundErrors),
		BytesTotal:       atomic.LoadInt64(&d.counters.bytesTotal),
		SessionsCreated:  atomic.LoadInt64(&d.counters.sessionsCreated),
		SessionsClosed:   atomic.LoadInt64(&d.counters.sessionsClosed),
		ActiveSessions:   int64(d.sessions.Count()),
		SessionLimit:     int64(d.sessions.Limit()),
	}
}
