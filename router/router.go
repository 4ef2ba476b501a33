// Package router maps a requested data-center id to an upstream target
// (§4.6): round-robin for administrative probing, and health-aware random
// selection with default-cluster fallback for the data plane.
package router

import (
	"math/rand"
	"sync"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/internal/relerr"
)

// defaultAttempts is how many random picks ChooseProxyTarget makes before
// giving up, unless the caller overrides it via WithAttempts.
const defaultAttempts = 5

// RandSource is a narrow seam over math/rand so tests can inject a
// deterministic sequence of picks.
type RandSource interface {
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// NewDefaultRand returns a RandSource backed by math/rand, safe for
// concurrent use.
func NewDefaultRand(seed int64) RandSource {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// HealthCheck reports whether a given target is currently considered
// healthy.
type HealthCheck func(config.Key) bool

// Router owns the current set of clusters and their round-robin cursors.
// Update swaps in a new Config and resets every cursor.
type Router struct {
	mu        sync.Mutex
	clusters  map[int16]config.Cluster
	defaultID int16
	haveDef   bool
	rrIndex   map[int16]int
	rnd       RandSource
	attempts  int
}

// New constructs a Router. rnd may be nil to use a process-default
// math/rand source.
func New(rnd RandSource) *Router {
	if rnd == nil {
		rnd = NewDefaultRand(1)
	}
	return &Router{
		clusters: make(map[int16]config.Cluster),
		rrIndex:  make(map[int16]int),
		rnd:      rnd,
		attempts: defaultAttempts,
	}
}

// SetAttempts overrides the number of random picks ChooseProxyTarget
// makes before failing. attempts <= 0 resets to the default.
func (r *Router) SetAttempts(attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	r.attempts = attempts
}

// Update installs a new cluster set and resets every round-robin cursor.
func (r *Router) Update(cfg config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clusters := make(map[int16]config.Cluster, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		clusters[c.ID] = c
	}
	r.clusters = clusters
	r.rrIndex = make(map[int16]int)
	r.defaultID = cfg.DefaultClusterID
	r.haveDef = cfg.HaveDefault
}

// Select performs round-robin selection within the requested cluster,
// used for administrative probing. It errors if the cluster is absent.
func (r *Router) Select(clusterID int16) (config.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.clusters[clusterID]
	if !ok || len(cl.Targets) == 0 {
		return config.Target{}, relerr.New(relerr.StageRoute, relerr.CodeClusterAbsent)
	}
	idx := r.rrIndex[clusterID] % len(cl.Targets)
	r.rrIndex[clusterID] = (idx + 1) % len(cl.Targets)
	return cl.Targets[idx], nil
}

// Decision describes the outcome of ChooseProxyTarget.
type Decision struct {
	Target      config.Target
	UsedDefault bool
}

// ChooseProxyTarget makes up to the configured number of uniform random
// picks within the requested cluster (falling back to the default
// cluster if the requested one is absent and a default is configured),
// accepting the first pick that satisfies healthy. It errors with
// CodeNoHealthyTargets after exhausting its attempts.
func (r *Router) ChooseProxyTarget(clusterID int16, healthy HealthCheck) (Decision, error) {
	r.mu.Lock()
	cl, ok := r.clusters[clusterID]
	usedDefault := false
	if (!ok || len(cl.Targets) == 0) && r.haveDef {
		if dcl, dok := r.clusters[r.defaultID]; dok && len(dcl.Targets) > 0 {
			cl = dcl
			ok = true
			usedDefault = true
		}
	}
	attempts := r.attempts
	rnd := r.rnd
	r.mu.Unlock()

	if !ok || len(cl.Targets) == 0 {
		return Decision{}, relerr.New(relerr.StageRoute, relerr.CodeNoHealthyTargets)
	}

	for i := 0; i < attempts; i++ {
		idx := rnd.Intn(len(cl.Targets))
		t := cl.Targets[idx]
		if healthy == nil || healthy(t.Key()) {
			return Decision{Target: t, UsedDefault: usedDefault}, nil
		}
	}
	return Decision{}, relerr.New(relerr.StageRoute, relerr.CodeNoHealthyTargets)
}

// Clusters returns a snapshot count of configured clusters and targets,
// used by the stats renderer.
func (r *Router) Clusters() (clusters int, targets int, defaultClusterID int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clusters {
		targets += len(c.Targets)
	}
	return len(r.clusters), targets, r.defaultID
}
