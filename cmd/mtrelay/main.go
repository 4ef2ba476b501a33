// Command mtrelay wires flags, the configuration file, and every
// component in runtime.Runtime into one running process, optionally
// forked into N supervised workers (§4.11, §4.12). The composition
// follows cmd/flowersec-tunnel/main.go's shape: a testable
// run(args, stdout, stderr) int entrypoint, a stdlib-flag-style usage
// path that exits 2 on bad options, and a signal loop delegated to the
// component that owns it.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/floegence/mtrelay/ingress"
	"github.com/floegence/mtrelay/internal/version"
	"github.com/floegence/mtrelay/observability/prom"
	"github.com/floegence/mtrelay/outbound"
	"github.com/floegence/mtrelay/runtime"
	"github.com/floegence/mtrelay/stats"
	"github.com/floegence/mtrelay/supervisor"
)

// buildVersion, buildCommit and buildDate are injected via -ldflags at
// release build time; version.String falls back to Go module build info
// when they are left at their zero values.
var (
	buildVersion = ""
	buildCommit  = ""
	buildDate    = ""
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds every parsed flag, kept as one struct so run stays a
// straight line: parse, validate, build, serve.
type options struct {
	verbose       bool
	ipv6          bool
	port          string
	extraPorts    string
	workers       int
	user          string
	backlog       int
	maxConns      int
	logFile       string
	windowClamp   int
	pingInterval  int
	secretsHex    []string
	secretFile    string
	proxyTag      string
	domain        string
	httpStats     bool
	maxSpecial    int
	aesPwdFile    string
	allowSkipDH   bool
	disableTCP    bool
	useCRC32C     bool
	forceDH       bool
	maxAcceptRate int
	maxDHRate     int
	address       string
	natInfo       []string
	nice          int
	msgBufSize    string
	daemonize     string
	envFile       string
	showHelp      bool
	showVersion   bool
}

func run(args []string, stdout, stderr io.Writer) int {
	if supervisor.IsSupervisedWorker() {
		return runWorker(args, stdout, stderr)
	}

	fs := pflag.NewFlagSet("mtrelay", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opt := bindFlags(fs)

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 2
		}
		fmt.Fprintln(stderr, "Can not parse options")
		fs.Usage()
		return 2
	}
	if opt.showHelp {
		fs.Usage()
		return 2
	}
	if opt.showVersion {
		fmt.Fprintf(stdout, "mtrelay %s\n", version.String(buildVersion, buildCommit, buildDate))
		return 0
	}
	if opt.envFile != "" {
		if err := applyEnvOverlay(opt.envFile); err != nil {
			fmt.Fprintf(stderr, "env-file: %v\n", err)
			return 2
		}
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "missing config file")
		fs.Usage()
		return 2
	}
	configPath := fs.Arg(0)
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(stderr, "config file: %v\n", err)
		return 2
	}

	secrets, err := collectSecrets(opt.secretsHex, opt.secretFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	natRules, err := parseNATInfo(opt.natInfo)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	_ = natRules // informational only; no NAT-aware routing in this core (see DESIGN.md)

	if opt.workers < 0 || opt.workers > 256 {
		fmt.Fprintln(stderr, "-M workers must be within 0..256")
		return 2
	}

	if opt.user != "" {
		if err := dropPrivileges(opt.user); err != nil {
			fmt.Fprintf(stderr, "drop privileges: %v\n", err)
			return 1
		}
	}

	logger, reopener, err := newLogger(opt.logFile, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "open log file: %v\n", err)
		return 1
	}

	childArgs := append([]string{}, args...)
	if opt.daemonize == "1" {
		if !supervisor.IsSupervisedWorker() {
			return daemonizeSelf(childArgs, stderr)
		}
	}

	if opt.workers > 0 {
		return runSupervised(context.Background(), opt, childArgs, logger)
	}

	rejected := stats.NewRejectedFeed()
	rtCfg := buildRuntimeConfig(opt, configPath, secrets, reopener, rejected)
	rt, err := runtime.New(rtCfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	ln, err := listen(opt)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}

	if opt.httpStats {
		srv := newStatsServer(rt, rejected)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("stats server: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Run(ctx, ln); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// runWorker is the entrypoint for a process forked by supervisor.Run: it
// watches its parent's liveness and otherwise behaves like a standalone
// run, bound to a fixed slice of the same listeners and, per §6, serving
// /stats and /metrics only when it is worker 0.
func runWorker(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("mtrelay", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opt := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "missing config file")
		return 2
	}
	configPath := fs.Arg(0)

	secrets, err := collectSecrets(opt.secretsHex, opt.secretFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, reopener, err := newLogger(opt.logFile, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "open log file: %v\n", err)
		return 1
	}

	rejected := stats.NewRejectedFeed()
	rtCfg := buildRuntimeConfig(opt, configPath, secrets, reopener, rejected)
	rt, err := runtime.New(rtCfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	ln, err := listen(opt)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervisor.WatchParent(ctx, supervisorPID(), cancel)

	if opt.httpStats && supervisor.WorkerID() == 0 {
		srv := newStatsServer(rt, rejected)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("stats server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if err := rt.Run(ctx, ln); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// runSupervised forks opt.workers children re-executing this same binary
// with the supervised-worker environment set, and blocks in the
// supervisor's own signal loop.
func runSupervised(ctx context.Context, opt options, args []string, logger *log.Logger) int {
	sv, err := supervisor.New(supervisor.Config{
		Workers: opt.workers,
		Args:    args,
		Env:     os.Environ(),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	if err != nil {
		logger.Printf("supervisor: %v", err)
		return 1
	}
	if err := sv.Run(ctx); err != nil {
		logger.Printf("supervisor: %v", err)
		return 1
	}
	return 0
}

func supervisorPID() int {
	pid, _ := strconv.Atoi(os.Getenv(supervisor.EnvSupervisorPID))
	return pid
}

// bindFlags registers the full flag surface of §6 and returns the struct
// they populate. Flags noted "accepted, not wired" are parsed and
// validated but do not change core routing behavior; see DESIGN.md for
// why each one has no home in this relay's current pipeline.
func bindFlags(fs *pflag.FlagSet) *options {
	opt := &options{}
	fs.BoolVarP(&opt.verbose, "verbose", "v", false, "verbose logging")
	fs.BoolVarP(&opt.ipv6, "ipv6", "6", false, "listen on IPv6 instead of IPv4")
	fs.StringVarP(&opt.port, "port", "p", "443", "listen port, or internal:external")
	fs.StringVarP(&opt.extraPorts, "extra-ports", "H", "", "additional listen ports, comma separated")
	fs.IntVarP(&opt.workers, "workers", "M", 0, "number of supervised worker processes (0..256)")
	fs.StringVarP(&opt.user, "user", "u", "", "drop privileges to this user after binding")
	fs.IntVarP(&opt.backlog, "backlog", "b", 128, "listen backlog (accepted, not wired: Go's net package exposes no backlog knob short of raw syscalls)")
	fs.IntVarP(&opt.maxConns, "max-connections", "c", 60000, "maximum concurrent client sessions")
	fs.StringVarP(&opt.logFile, "logfile", "l", "", "log file path (empty logs to stderr)")
	fs.IntVarP(&opt.windowClamp, "window-clamp", "W", 0, "MTProto window clamp (accepted, not wired: no keepalive/window layer in this core)")
	fs.IntVarP(&opt.pingInterval, "ping-interval", "T", 0, "MTProto ping interval seconds (accepted, not wired)")
	fs.StringArrayVarP(&opt.secretsHex, "secret", "S", nil, "32 hex char obfuscated2 secret (repeatable)")
	fs.StringVar(&opt.secretFile, "mtproto-secret-file", "", "file of whitespace/comma separated hex secrets")
	fs.StringVarP(&opt.proxyTag, "proxy-tag", "P", "", "proxy advertisement tag, 32 hex chars (accepted, not wired into routing)")
	fs.StringVarP(&opt.domain, "domain", "D", "", "TLS-fronting domain (non-goal: no TLS transport in this core; accepted and ignored)")
	fs.BoolVar(&opt.httpStats, "http-stats", false, "serve /stats, /metrics, /healthz on loopback")
	fs.IntVarP(&opt.maxSpecial, "max-special-connections", "C", 0, "maximum special (stats/admin) connections (accepted, not wired)")
	fs.StringVar(&opt.aesPwdFile, "aes-pwd", "", "AES password file (accepted, not wired: no password-derived AES mode in this core)")
	fs.BoolVar(&opt.allowSkipDH, "allow-skip-dh", false, "allow clients to skip Diffie-Hellman (accepted, not wired)")
	fs.BoolVar(&opt.disableTCP, "disable-tcp", false, "disable the TCP transport (accepted, not wired: this relay is TCP-only)")
	fs.BoolVar(&opt.useCRC32C, "crc32c", false, "use CRC-32C instead of CRC-32 (accepted, not wired: framing here does not checksum frames)")
	fs.BoolVar(&opt.forceDH, "force-dh", false, "force Diffie-Hellman on every connection (accepted, not wired)")
	fs.IntVar(&opt.maxAcceptRate, "max-accept-rate", 0, "max accepted connections per second (0 disables)")
	fs.IntVar(&opt.maxDHRate, "max-dh-accept-rate", 0, "max DH handshakes per second (0 disables)")
	fs.StringVar(&opt.address, "address", "", "bind address (empty binds all interfaces)")
	fs.StringArrayVar(&opt.natInfo, "nat-info", nil, "local:global NAT address rule (repeatable, max 16; accepted, not wired: no NAT-aware routing in this core)")
	fs.IntVar(&opt.nice, "nice", 0, "process nice value (accepted, not wired)")
	fs.StringVar(&opt.msgBufSize, "msg-buffers-size", "", "message buffer size, N[kmgt]; sets the outbound and ingress MaxFrameSize (no separate buffer pool is sized)")
	fs.StringVar(&opt.daemonize, "daemonize", "", "fork into the background (0 or 1)")
	fs.Lookup("daemonize").NoOptDefVal = "1"
	fs.StringVar(&opt.envFile, "env-file", "", "optional KEY=VALUE overlay file applied to the process environment before MTPROXY_GO_* env vars are read")
	fs.BoolVarP(&opt.showHelp, "help", "h", false, "show usage")
	fs.BoolVar(&opt.showVersion, "version", false, "print version and exit")
	return opt
}

// applyEnvOverlay loads KEY=VALUE pairs from path and sets them on the
// process environment, the way _examples/R2Northstar-Atlas/cmd/atlas's
// readEnv does for its own env-file argument. This lets --env-file set
// the MTPROXY_GO_* variables that outbound.DefaultConfig and the
// supervisor env convention read directly, without a second bespoke
// parser alongside the hand-rolled secret-file grammar.
func applyEnvOverlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func collectSecrets(hexSecrets []string, secretFile string) ([][]byte, error) {
	var out [][]byte
	for _, h := range hexSecrets {
		b, err := decodeSecretHex(h)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if secretFile != "" {
		fileSecrets, err := parseSecretFile(secretFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fileSecrets...)
	}
	if len(out) > 128 {
		return nil, fmt.Errorf("too many secrets: %d (max 128)", len(out))
	}
	return out, nil
}

// parseSecretFile implements the small, bespoke grammar of §6: tokens
// are 32 hex characters, separated by whitespace or commas, with '#'
// starting a line comment. No ecosystem config-file library speaks this
// grammar, so it is hand-rolled (see DESIGN.md).
func parseSecretFile(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, line := range strings.Split(string(raw), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		}) {
			if tok == "" {
				continue
			}
			b, err := decodeSecretHex(tok)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func decodeSecretHex(h string) ([]byte, error) {
	if len(h) != 32 {
		return nil, fmt.Errorf("secret %q: want 32 hex characters, got %d", h, len(h))
	}
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		hi, err := hexNibble(h[2*i])
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", h, err)
		}
		lo, err := hexNibble(h[2*i+1])
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", h, err)
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// natRule is a parsed --nat-info entry; kept for completeness of the CLI
// surface though nothing in this core consults it (see DESIGN.md).
type natRule struct {
	Local  string
	Global string
}

func parseNATInfo(rules []string) ([]natRule, error) {
	if len(rules) > 16 {
		return nil, fmt.Errorf("too many --nat-info rules: %d (max 16)", len(rules))
	}
	out := make([]natRule, 0, len(rules))
	for _, r := range rules {
		local, global, ok := strings.Cut(r, ":")
		if !ok {
			return nil, fmt.Errorf("--nat-info %q: want local:global", r)
		}
		out = append(out, natRule{Local: local, Global: global})
	}
	return out, nil
}

func buildRuntimeConfig(opt options, configPath string, secrets [][]byte, reopener runtime.LogReopener, rejected *stats.RejectedFeed) runtime.Config {
	frameSize := msgBufferSize(opt.msgBufSize)

	outCfg := outbound.DefaultConfig()
	outCfg.MaxFrameSize = frameSize

	inCfg := ingress.DefaultConfig()
	inCfg.Network = ingressNetwork(opt)
	inCfg.MaxFrameSize = frameSize
	inCfg.Secrets = secrets
	if rejected != nil {
		inCfg.OnRejected = rejected.Publish
	}

	return runtime.Config{
		ConfigPath:   configPath,
		SessionLimit: opt.maxConns,
		AcceptRate:   opt.maxAcceptRate,
		DHRate:       opt.maxDHRate,
		RouterSeed:   time.Now().UnixNano(),
		Ingress:      inCfg,
		Outbound:     outCfg,
		LogReopener:  reopener,
	}
}

func ingressNetwork(opt options) string {
	if opt.ipv6 {
		return "tcp6"
	}
	return "tcp"
}

// msgBufferSize parses the N[kmgt] suffix form of §6 into a byte count,
// falling back to the outbound pool's own default when unset.
func msgBufferSize(raw string) int {
	if raw == "" {
		return 8 << 20
	}
	mult := 1
	suffix := raw[len(raw)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		raw = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		raw = raw[:len(raw)-1]
	case 't', 'T':
		mult = 1 << 40
		raw = raw[:len(raw)-1]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 8 << 20
	}
	return n * mult
}

// listen binds the primary port (and, per -H, additional ports) into a
// single net.Listener the runtime can Serve on.
func listen(opt options) (net.Listener, error) {
	network := ingressNetwork(opt)
	primary := opt.port
	if i := strings.IndexByte(primary, ':'); i >= 0 {
		primary = primary[:i]
	}
	addrs := []string{net.JoinHostPort(opt.address, primary)}
	for _, p := range strings.Split(opt.extraPorts, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(opt.address, p))
	}

	lns := make([]net.Listener, 0, len(addrs))
	for _, a := range addrs {
		ln, err := net.Listen(network, a)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return nil, err
		}
		lns = append(lns, ln)
	}
	if len(lns) == 1 {
		return lns[0], nil
	}
	return newMultiListener(lns), nil
}

// multiListener fans Accept calls in from several bound listeners,
// presenting them as one net.Listener so runtime.Run keeps a single-
// listener API even when -H requested more than one port.
type multiListener struct {
	lns    []net.Listener
	accept chan acceptResult
	closed chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newMultiListener(lns []net.Listener) *multiListener {
	m := &multiListener{
		lns:    lns,
		accept: make(chan acceptResult),
		closed: make(chan struct{}),
	}
	for _, ln := range lns {
		go m.acceptLoop(ln)
	}
	return m
}

func (m *multiListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		select {
		case m.accept <- acceptResult{conn: conn, err: err}:
		case <-m.closed:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *multiListener) Accept() (net.Conn, error) {
	r, ok := <-m.accept
	if !ok {
		return nil, fmt.Errorf("multiListener: closed")
	}
	return r.conn, r.err
}

func (m *multiListener) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	var firstErr error
	for _, ln := range m.lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiListener) Addr() net.Addr {
	return m.lns[0].Addr()
}

func newStatsServer(rt *runtime.Runtime, rejected *stats.RejectedFeed) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/stats", stats.Handler(rt, func() int { return 0 }, nil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/debug/rejected", rejected.Handler())

	reg := prom.NewRegistry()
	observer := stats.NewObserver(reg)
	promHandler := prom.Handler(reg)
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observer.Report(stats.Snapshot{GeneratedAt: time.Now(), Runtime: rt.Stats()})
		promHandler.ServeHTTP(w, r)
	}))

	return &http.Server{Addr: "127.0.0.1:8888", Handler: mux}
}

// newLogger opens logFile (or falls back to stderr) and returns a logger
// plus a runtime.LogReopener that SIGUSR1 drives (§4.11). File-rotation
// internals are a stated non-goal; Reopen only re-opens the same path.
func newLogger(logFile string, stderr io.Writer) (*log.Logger, runtime.LogReopener, error) {
	if logFile == "" {
		return log.New(stderr, "", log.LstdFlags), nil, nil
	}
	w, err := newReopenableFile(logFile)
	if err != nil {
		return nil, nil, err
	}
	return log.New(w, "", log.LstdFlags), w, nil
}

type reopenableFile struct {
	path string
	f    *os.File
}

func newReopenableFile(path string) (*reopenableFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &reopenableFile{path: path, f: f}, nil
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	return r.f.Write(p)
}

func (r *reopenableFile) Reopen() error {
	next, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	old := r.f
	r.f = next
	return old.Close()
}

// dropPrivileges sets the process's uid/gid to username's, matching -u.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	return unix.Setuid(uid)
}

// daemonizeSelf re-executes the current binary detached from the
// controlling terminal and exits the parent immediately, implementing
// --daemonize the way §4.12's supervisor already re-execs itself for
// workers, rather than a hand-rolled double-fork.
func daemonizeSelf(args []string, stderr io.Writer) int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	childArgs := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || a == "--daemonize=1" {
			continue
		}
		childArgs = append(childArgs, a)
	}
	cmd := exec.Command(exe, childArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	}
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
