package dataplane

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/internal/relerr"
	"github.com/floegence/mtrelay/ratelimit"
	"github.com/floegence/mtrelay/session"
)

// fakeForwarder returns a fixed target or a fixed error, recording the
// arguments it was last called with.
type fakeForwarder struct {
	target    config.Target
	usedDef   bool
	err       error
	lastDC    int16
	lastAuth  uint64
	lastSize  int
	callCount int
}

func (f *fakeForwarder) Forward(targetDC int16, authKeyID uint64, payloadSize int) (config.Target, bool, error) {
	f.callCount++
	f.lastDC = targetDC
	f.lastAuth = authKeyID
	f.lastSize = payloadSize
	if f.err != nil {
		return config.Target{}, false, f.err
	}
	return f.target, f.usedDef, nil
}

// fakeOutbound returns a fixed response or error, recording the last
// payload it was handed.
type fakeOutbound struct {
	resp       []byte
	err        error
	lastTarget config.Target
	callCount  int
}

func (f *fakeOutbound) Exchange(ctx context.Context, target config.Target, payload []byte) ([]byte, error) {
	f.callCount++
	f.lastTarget = target
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakeHealth records MarkHealthy/MarkUnhealthy calls.
type fakeHealth struct {
	healthy   []config.Key
	unhealthy []config.Key
}

func (h *fakeHealth) MarkHealthy(k config.Key)   { h.healthy = append(h.healthy, k) }
func (h *fakeHealth) MarkUnhealthy(k config.Key) { h.unhealthy = append(h.unhealthy, k) }

// encryptedFrame builds a minimal well-formed encrypted envelope with the
// given auth key id.
func encryptedFrame(authKeyID uint64) []byte {
	frame := make([]byte, 56)
	binary.LittleEndian.PutUint64(frame[0:8], authKeyID)
	return frame
}

// dhHandshakeFrame builds a minimal well-formed DH-handshake envelope
// (req_pq_multi) with zero auth key id.
func dhHandshakeFrame() []byte {
	frame := make([]byte, 40)
	binary.LittleEndian.PutUint32(frame[16:20], 20)
	binary.LittleEndian.PutUint32(frame[20:24], 0xbe7e8ef1)
	return frame
}

func newTestPlane(sessionLimit int, fwd *fakeForwarder, out *fakeOutbound, health *fakeHealth, dh *ratelimit.Limiter) *DataPlane {
	// Pass untyped nils so DataPlane's nil checks see an absent seam
	// rather than a non-nil interface holding a nil pointer.
	var hm HealthMarker
	if health != nil {
		hm = health
	}
	var lim DHRateLimiter
	if dh != nil {
		lim = dh
	}
	return New(session.NewManager(sessionLimit), lim, fwd, out, hm, nil)
}

func TestHandlePacketSessionLimitEnforced(t *testing.T) {
	fwd := &fakeForwarder{target: config.Target{Host: "10.0.0.1", Port: 443}}
	out := &fakeOutbound{resp: []byte("ok")}
	health := &fakeHealth{}
	dp := newTestPlane(1, fwd, out, health, nil)

	if _, err := dp.HandlePacket(context.Background(), 1, 0, encryptedFrame(123)); err != nil {
		t.Fatalf("first connection should succeed: %v", err)
	}

	_, err := dp.HandlePacket(context.Background(), 2, 0, encryptedFrame(456))
	if err == nil {
		t.Fatal("second connection should be rejected by the session limit")
	}
	code, ok := relerr.CodeOf(err)
	if !ok || code != relerr.CodeConnectionLimit {
		t.Fatalf("expected CodeConnectionLimit, got %v (%v)", code, err)
	}

	stats := dp.Stats()
	if stats.RejectedByLimit != 1 {
		t.Fatalf("RejectedByLimit = %d, want 1", stats.RejectedByLimit)
	}
	if stats.PacketsDropped != 1 {
		t.Fatalf("PacketsDropped = %d, want 1", stats.PacketsDropped)
	}
}

func TestHandlePacketParseErrorIncrementsCounters(t *testing.T) {
	fwd := &fakeForwarder{}
	out := &fakeOutbound{}
	dp := newTestPlane(0, fwd, out, nil, nil)

	_, err := dp.HandlePacket(context.Background(), 1, 0, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected parse error for a too-short frame")
	}
	code, ok := relerr.CodeOf(err)
	if !ok || code != relerr.CodeBadFrame {
		t.Fatalf("expected CodeBadFrame, got %v (%v)", code, err)
	}
	stats := dp.Stats()
	if stats.ParseErrors != 1 || stats.PacketsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if fwd.callCount != 0 || out.callCount != 0 {
		t.Fatal("a parse error must short-circuit before forwarding or outbound")
	}
}

func TestHandlePacketDHRateRejected(t *testing.T) {
	fwd := &fakeForwarder{target: config.Target{Host: "10.0.0.1", Port: 443}}
	out := &fakeOutbound{resp: []byte("ok")}
	dh := ratelimit.New(1)
	dp := newTestPlane(0, fwd, out, nil, dh)

	if _, err := dp.HandlePacket(context.Background(), 1, 0, dhHandshakeFrame()); err != nil {
		t.Fatalf("first handshake should pass the DH-rate limiter: %v", err)
	}
	_, err := dp.HandlePacket(context.Background(), 2, 0, dhHandshakeFrame())
	if err == nil {
		t.Fatal("second handshake in the same second should be DH-rate rejected")
	}
	code, ok := relerr.CodeOf(err)
	if !ok || code != relerr.CodeDHRateExceeded {
		t.Fatalf("expected CodeDHRateExceeded, got %v (%v)", code, err)
	}
	if dp.Stats().RejectedByDHRate != 1 {
		t.Fatalf("RejectedByDHRate = %d, want 1", dp.Stats().RejectedByDHRate)
	}
}

func TestHandlePacketRouteErrorPropagates(t *testing.T) {
	fwd := &fakeForwarder{err: relerr.New(relerr.StageRoute, relerr.CodeClusterAbsent)}
	out := &fakeOutbound{}
	dp := newTestPlane(0, fwd, out, nil, nil)

	_, err := dp.HandlePacket(context.Background(), 1, 7, encryptedFrame(1))
	if err == nil {
		t.Fatal("expected a route error")
	}
	code, ok := relerr.CodeOf(err)
	if !ok || code != relerr.CodeClusterAbsent {
		t.Fatalf("expected CodeClusterAbsent, got %v (%v)", code, err)
	}
	if dp.Stats().RouteErrors != 1 {
		t.Fatalf("RouteErrors = %d, want 1", dp.Stats().RouteErrors)
	}
	if out.callCount != 0 {
		t.Fatal("a route error must not reach the outbound sender")
	}
}

func TestHandlePacketOutboundErrorMarksUnhealthy(t *testing.T) {
	target := config.Target{ClusterID: 2, Host: "10.0.0.2", Port: 443}
	fwd := &fakeForwarder{target: target}
	out := &fakeOutbound{err: errors.New("connection refused")}
	health := &fakeHealth{}
	dp := newTestPlane(0, fwd, out, health, nil)

	_, err := dp.HandlePacket(context.Background(), 1, 2, encryptedFrame(1))
	if err == nil {
		t.Fatal("expected an outbound error")
	}
	if dp.Stats().OutboundErrors != 1 {
		t.Fatalf("OutboundErrors = %d, want 1", dp.Stats().OutboundErrors)
	}
	if len(health.unhealthy) != 1 || health.unhealthy[0] != target.Key() {
		t.Fatalf("expected target marked unhealthy, got %+v", health.unhealthy)
	}
	if len(health.healthy) != 0 {
		t.Fatal("should not mark healthy after an outbound failure")
	}
}

func TestHandlePacketEmptyResponseIsNotAnError(t *testing.T) {
	target := config.Target{Host: "10.0.0.3", Port: 443}
	fwd := &fakeForwarder{target: target}
	out := &fakeOutbound{resp: nil}
	health := &fakeHealth{}
	dp := newTestPlane(0, fwd, out, health, nil)

	resp, err := dp.HandlePacket(context.Background(), 1, 0, encryptedFrame(1))
	if err != nil {
		t.Fatalf("an empty upstream response must not be treated as an error: %v", err)
	}
	if resp != nil {
		t.Fatalf("resp = %v, want nil", resp)
	}
	if len(health.healthy) != 1 || health.healthy[0] != target.Key() {
		t.Fatalf("expected target marked healthy, got %+v", health.healthy)
	}
}

func TestHandlePacketSuccessUpdatesSessionAndCounters(t *testing.T) {
	fwd := &fakeForwarder{target: config.Target{Host: "10.0.0.4", Port: 443}}
	out := &fakeOutbound{resp: []byte("reply")}
	dp := newTestPlane(0, fwd, out, nil, nil)

	frame := encryptedFrame(99)
	resp, err := dp.HandlePacket(context.Background(), 1, 0, frame)
	if err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if string(resp) != "reply" {
		t.Fatalf("resp = %q, want reply", resp)
	}

	stats := dp.Stats()
	if stats.PacketsTotal != 1 || stats.PacketsEncrypted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BytesTotal != int64(len(frame)) {
		t.Fatalf("BytesTotal = %d, want %d", stats.BytesTotal, len(frame))
	}
	if stats.SessionsCreated != 1 || stats.ActiveSessions != 1 {
		t.Fatalf("expected one created session, got %+v", stats)
	}
	if fwd.lastAuth != 99 {
		t.Fatalf("forwarder should see the parsed auth key id, got %d", fwd.lastAuth)
	}
}

func TestCloseConnectionAndPruneIdle(t *testing.T) {
	fwd := &fakeForwarder{target: config.Target{Host: "10.0.0.5", Port: 443}}
	out := &fakeOutbound{resp: []byte("ok")}
	dp := newTestPlane(0, fwd, out, nil, nil)

	if _, err := dp.HandlePacket(context.Background(), 1, 0, encryptedFrame(1)); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if _, err := dp.HandlePacket(context.Background(), 2, 0, encryptedFrame(2)); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	dp.CloseConnection(1)
	if dp.Stats().SessionsClosed != 1 {
		t.Fatalf("SessionsClosed = %d, want 1", dp.Stats().SessionsClosed)
	}
	dp.CloseConnection(1) // already closed, should not double count
	if dp.Stats().SessionsClosed != 1 {
		t.Fatalf("closing an already-closed connection should not increment the counter again")
	}

	n := dp.PruneIdle(time.Minute, time.Now().Add(2*time.Minute))
	if n != 1 {
		t.Fatalf("PruneIdle = %d, want 1", n)
	}
	if dp.Stats().SessionsClosed != 2 {
		t.Fatalf("SessionsClosed = %d, want 2 after pruning", dp.Stats().SessionsClosed)
	}
}
