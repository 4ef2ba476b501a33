// Package runtime composes the configuration manager, router, rate
// limiters, data plane, outbound pool, and client ingress listener into
// the single long-lived process described in §4.11, and owns the
// top-level signal loop.
package runtime

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/dataplane"
	"github.com/floegence/mtrelay/ingress"
	"github.com/floegence/mtrelay/outbound"
	"github.com/floegence/mtrelay/ratelimit"
	"github.com/floegence/mtrelay/router"
	"github.com/floegence/mtrelay/session"
)

// LogReopener is the seam SIGUSR1 drives (§4.11); Runtime calls it when
// configured and logs whether the reopen succeeded.
type LogReopener interface {
	Reopen() error
}

// Config configures a Runtime.
type Config struct {
	ConfigPath   string
	SessionLimit int
	AcceptRate   int // 0 disables accept-rate limiting
	DHRate       int // 0 disables DH-rate limiting
	RouterSeed   int64
	Ingress      ingress.Config
	Outbound     outbound.Config
	Dialer       outbound.Dialer // nil uses net.Dialer
	LogReopener  LogReopener     // nil disables the SIGUSR1 reopen hook
}

// Runtime owns every long-lived component of one process: the config
// manager, router, health map, rate limiters, data plane, outbound pool,
// and ingress server.
type Runtime struct {
	cfg Config

	cfgManager *config.Manager
	router     *router.Router
	health     *HealthMap
	forwarder  *Forwarder
	dhLimiter  *ratelimit.Limiter
	accept     *ratelimit.Limiter
	outPool    *outbound.Pool
	sessions   *session.Manager
	dataPlane  *dataplane.DataPlane
	ingress    *ingress.Server

	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	shutdown bool
}

// New constructs a Runtime and performs the initial config load; a
// parse or read failure here is fatal, matching §4.11's "load config
// (fatal if invalid)".
func New(cfg Config, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	cfgManager, err := config.NewManager(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	rnd := router.NewDefaultRand(cfg.RouterSeed)
	rt := &Runtime{
		cfg:        cfg,
		cfgManager: cfgManager,
		router:     router.New(rnd),
		health:     NewHealthMap(),
		dhLimiter:  ratelimit.New(cfg.DHRate),
		accept:     ratelimit.New(cfg.AcceptRate),
		outPool:    outbound.New(cfg.Outbound, cfg.Dialer, nil),
		sessions:   session.NewManager(cfg.SessionLimit),
		logger:     logger,
		now:        time.Now,
	}
	rt.forwarder = NewForwarder(rt.router, rt.health)
	rt.applySnapshot(cfgManager.Current())

	rt.dataPlane = dataplane.New(rt.sessions, rt.dhLimiter, rt.forwarder, rt.outPool, rt.health, nil)

	ingressCfg := cfg.Ingress
	ingressCfg.AcceptLimiter = rt.accept
	rt.ingress = ingress.New(ingressCfg, rt.dataPlane, nil)

	return rt, nil
}

// applySnapshot installs snap's config into the router and reconciles
// the health map against its target set (§5: health reconciles before
// the new router snapshot is observed by Forward).
func (rt *Runtime) applySnapshot(snap config.Snapshot) {
	rt.health.Reconcile(snap.Config.Targets)
	rt.router.Update(snap.Config)
}

// startupLine renders the initialization line printed once at start, per
// §4.11: targets, clusters, bytes, MD5.
func (rt *Runtime) startupLine() string {
	snap := rt.cfgManager.Current()
	return fmt.Sprintf("loaded config: %d targets across %d clusters, %d bytes, md5=%s",
		len(snap.Config.Targets), len(snap.Config.Clusters), snap.ByteCount, snap.MD5Hex)
}

// Reload re-reads the configuration file and, on success, reapplies it
// to the router and health map. On failure the previously installed
// snapshot remains in effect.
func (rt *Runtime) Reload() error {
	snap, err := rt.cfgManager.Reload()
	if err != nil {
		return err
	}
	rt.applySnapshot(snap)
	return nil
}

// Run starts the ingress listener and blocks in the signal loop of
// §4.11 until a termination signal arrives, ctx is cancelled, or Serve
// returns; it then closes ingress and then the outbound pool, waiting at
// most 2 seconds in total, and returns.
func (rt *Runtime) Run(ctx context.Context, ln net.Listener) error {
	rt.logger.Printf("%s", rt.startupLine())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ingressErr := make(chan error, 1)
	go func() {
		ingressErr <- rt.ingress.Serve(runCtx, ln)
	}()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			rt.shutdownAll(cancel)
			return nil
		case err := <-ingressErr:
			rt.shutdownAll(cancel)
			return err
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				if err := rt.Reload(); err != nil {
					rt.logger.Printf("config reload failed: %v", err)
					continue
				}
				rt.logger.Printf("config re-read: %s", rt.startupLine())
			case syscall.SIGUSR1:
				if rt.cfg.LogReopener == nil {
					rt.logger.Printf("log reopen skipped: no reopener configured")
					continue
				}
				if err := rt.cfg.LogReopener.Reopen(); err != nil {
					rt.logger.Printf("log reopen failed: %v", err)
					continue
				}
				rt.logger.Printf("log reopened")
			default:
				rt.logger.Printf("Terminated by %s.", signalName(s))
				rt.shutdownAll(cancel)
				return nil
			}
		}
	}
}

func (rt *Runtime) shutdownAll(cancel context.CancelFunc) {
	rt.mu.Lock()
	if rt.shutdown {
		rt.mu.Unlock()
		return
	}
	rt.shutdown = true
	rt.mu.Unlock()

	cancel()
	const grace = 2 * time.Second

	done := make(chan struct{})
	go func() {
		rt.ingress.Close()
		if err := rt.outPool.Close(); err != nil {
			rt.logger.Printf("outbound pool close: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// Stats returns a point-in-time snapshot of every component's counters,
// used by the stats renderer.
type Stats struct {
	Config     config.Counters
	ConfigSnap config.Snapshot
	Router     RouterStats
	Forward    Counters
	DataPlane  dataplane.Counters
	Outbound   outbound.Counters
	Ingress    ingress.Counters
}

// RouterStats mirrors Router.Clusters plus the health map's counts.
type RouterStats struct {
	Clusters         int
	Targets          int
	DefaultClusterID int16
	TargetsHealthy   int
	TargetsUnhealthy int
}

// Stats gathers a consistent-enough snapshot across every owned
// component. Individual fields are read under their own locks; callers
// should not assume cross-field atomicity.
func (rt *Runtime) Stats() Stats {
	clusters, targets, defaultID := rt.router.Clusters()
	healthy, unhealthy := rt.health.Counts()
	return Stats{
		Config:     rt.cfgManager.Stats(),
		ConfigSnap: rt.cfgManager.Current(),
		Router: RouterStats{
			Clusters:         clusters,
			Targets:          targets,
			DefaultClusterID: defaultID,
			TargetsHealthy:   healthy,
			TargetsUnhealthy: unhealthy,
		},
		Forward:   rt.forwarder.Stats(),
		DataPlane: rt.dataPlane.Stats(),
		Outbound:  rt.outPool.Stats(),
		Ingress:   rt.ingress.Stats(),
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return s.String()
	}
}
