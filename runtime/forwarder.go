package runtime

import (
	"sync/atomic"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/router"
)

// Forwarder adapts a Router plus a HealthMap to the dataplane.Forwarder
// seam, tracking the forward_* counters the stats renderer exposes.
type Forwarder struct {
	router *router.Router
	health *HealthMap

	total, successful, failed, usedDefault int64
	bytes                                  int64
	lastError                              atomicString
}

// NewForwarder constructs a Forwarder over an existing Router and
// HealthMap, both owned by the enclosing Runtime.
func NewForwarder(r *router.Router, health *HealthMap) *Forwarder {
	return &Forwarder{router: r, health: health}
}

// Forward resolves targetDC to an upstream Target via health-aware
// random selection with default-cluster fallback (§4.6, §4.8). authKeyID
// is accepted to satisfy dataplane.Forwarder's signature but does not
// currently influence selection.
func (f *Forwarder) Forward(targetDC int16, authKeyID uint64, payloadSize int) (config.Target, bool, error) {
	atomic.AddInt64(&f.total, 1)
	decision, err := f.router.ChooseProxyTarget(targetDC, f.health.IsHealthy)
	if err != nil {
		atomic.AddInt64(&f.failed, 1)
		f.lastError.Store(err.Error())
		return config.Target{}, false, err
	}
	atomic.AddInt64(&f.successful, 1)
	atomic.AddInt64(&f.bytes, int64(payloadSize))
	if decision.UsedDefault {
		atomic.AddInt64(&f.usedDefault, 1)
	}
	return decision.Target, decision.UsedDefault, nil
}

// Counters is a point-in-time snapshot of the forwarder's statistics.
type Counters struct {
	ForwardTotal           int64
	ForwardSuccessful      int64
	ForwardFailed          int64
	ForwardUsedDefault     int64
	ForwardBytes           int64
	ForwardAvgPayloadBytes int64
	ForwardLastError       string
}

// Stats returns a snapshot of the forwarder's counters.
func (f *Forwarder) Stats() Counters {
	successful := atomic.LoadInt64(&f.successful)
	bytes := atomic.LoadInt64(&f.bytes)
	var avg int64
	if successful > 0 {
		avg = bytes / successful
	}
	return Counters{
		ForwardTotal:           atomic.LoadInt64(&f.total),
		ForwardSuccessful:      successful,
		ForwardFailed:          atomic.LoadInt64(&f.failed),
		ForwardUsedDefault:     atomic.LoadInt64(&f.usedDefault),
		ForwardBytes:           bytes,
		ForwardAvgPayloadBytes: avg,
		ForwardLastError:       f.lastError.Load(),
	}
}
