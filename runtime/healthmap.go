package runtime

import (
	"sync"

	"github.com/floegence/mtrelay/config"
)

// HealthMap tracks whether each known upstream target is currently
// considered healthy. A target absent from the map is treated as
// healthy: only an observed outbound failure marks it down.
type HealthMap struct {
	mu     sync.Mutex
	health map[config.Key]bool
}

// NewHealthMap returns an empty HealthMap.
func NewHealthMap() *HealthMap {
	return &HealthMap{health: make(map[config.Key]bool)}
}

// IsHealthy reports whether key is currently healthy. Unknown keys are
// healthy by default.
func (h *HealthMap) IsHealthy(key config.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	healthy, ok := h.health[key]
	return !ok || healthy
}

// MarkHealthy records key as healthy.
func (h *HealthMap) MarkHealthy(key config.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health[key] = true
}

// MarkUnhealthy records key as unhealthy.
func (h *HealthMap) MarkUnhealthy(key config.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health[key] = false
}

// Reconcile installs targets as the new universe of known keys: a key
// present before and after keeps its recorded health, a newly seen key
// starts healthy, and a key no longer present is dropped.
func (h *HealthMap) Reconcile(targets []config.Target) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make(map[config.Key]bool, len(targets))
	for _, t := range targets {
		key := t.Key()
		if healthy, ok := h.health[key]; ok {
			next[key] = healthy
		} else {
			next[key] = true
		}
	}
	h.health = next
}

// Counts returns the number of targets currently recorded healthy and
// unhealthy, used by the stats renderer.
func (h *HealthMap) Counts() (healthy, unhealthy int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ok := range h.health {
		if ok {
			healthy++
		} else {
			unhealthy++
		}
	}
	return healthy, unhealthy
}
