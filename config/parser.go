package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/floegence/mtrelay/internal/relerr"
)

const (
	maxTargets  = 4096
	maxClusters = 1024
)

// ParseError reports a grammar violation with enough context to act on.
type ParseError struct {
	Statement string
	Reason    string
}

func (e *ParseError) Error() string {
	if e.Statement == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s (in %q)", e.Reason, e.Statement)
}

func parseErr(stmt, reason string) error {
	return relerr.Wrap(relerr.StageConfig, relerr.CodeConfigParseError, &ParseError{Statement: stmt, Reason: reason})
}

// Parse parses the backend-cluster grammar from raw into a Config. See
// §4.4 for the full grammar description.
func Parse(raw []byte) (Config, error) {
	p := &parser{
		cfg: Config{
			MinConnections: 1,
			MaxConnections: 1,
		},
	}
	return p.run(raw)
}

type clusterBuilder struct {
	order []int16
	set   map[int16]*Cluster
}

func newClusterBuilder() *clusterBuilder {
	return &clusterBuilder{set: make(map[int16]*Cluster)}
}

func (b *clusterBuilder) add(id int16, t Target) {
	c, ok := b.set[id]
	if !ok {
		b.order = append(b.order, id)
		c = &Cluster{ID: id}
		b.set[id] = c
	}
	c.Targets = append(c.Targets, t)
}

func (b *clusterBuilder) list() []Cluster {
	out := make([]Cluster, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.set[id])
	}
	return out
}

type parser struct {
	cfg Config

	curMin, curMax int
	haveMin        bool
	haveMax        bool

	clusters *clusterBuilder

	// Intermixing-rejection state (§3 Cluster invariant): the run of
	// proxy_for statements for a given cluster id must be contiguous.
	currentRunID *int16
	closedRuns   map[int16]bool
}

func (p *parser) run(raw []byte) (Config, error) {
	p.curMin, p.curMax = 1, 1
	p.clusters = newClusterBuilder()
	p.closedRuns = make(map[int16]bool)

	stripped := stripComments(raw)
	statements, trailing := splitStatements(stripped)
	if trailing != "" {
		return Config{}, parseErr(trailing, "missing trailing ';'")
	}

	for _, stmt := range statements {
		if err := p.applyStatement(stmt); err != nil {
			return Config{}, err
		}
	}

	if !p.cfg.HaveProxy {
		return Config{}, parseErr("", "no proxy directive")
	}
	p.cfg.Targets = p.allTargets()
	p.cfg.Clusters = p.clusters.list()
	if len(p.cfg.Clusters) > maxClusters {
		return Config{}, parseErr("", "too many clusters")
	}
	return p.cfg, nil
}

func (p *parser) allTargets() []Target {
	var out []Target
	for _, cl := range p.clusters.list() {
		out = append(out, cl.Targets...)
	}
	return out
}

func stripComments(raw []byte) string {
	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// splitStatements splits on ';' and trims whitespace around each piece.
// Any non-blank remainder after the final ';' is returned as trailing.
func splitStatements(s string) (statements []string, trailing string) {
	parts := strings.Split(s, ";")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if i == len(parts)-1 {
			trailing = trimmed
			continue
		}
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements, trailing
}

func (p *parser) applyStatement(stmt string) error {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return nil
	}
	directive := strings.ToLower(fields[0])
	args := fields[1:]

	switch directive {
	case "timeout":
		return p.applyTimeout(stmt, args)
	case "min_connections":
		return p.applyMinConnections(stmt, args)
	case "max_connections":
		return p.applyMaxConnections(stmt, args)
	case "default":
		return p.applyDefault(stmt, args)
	case "proxy":
		return p.applyProxy(stmt, args)
	case "proxy_for":
		return p.applyProxyFor(stmt, args)
	default:
		return parseErr(stmt, "unknown directive '"+directive+"'")
	}
}

func (p *parser) applyTimeout(stmt string, args []string) error {
	if len(args) != 1 {
		return parseErr(stmt, "timeout requires exactly one argument")
	}
	ms, err := strconv.Atoi(args[0])
	if err != nil {
		return parseErr(stmt, "timeout must be an integer")
	}
	if ms < 10 || ms > 30000 {
		return parseErr(stmt, "timeout must be in [10, 30000]")
	}
	p.cfg.TimeoutMS = ms
	return nil
}

func (p *parser) applyMinConnections(stmt string, args []string) error {
	if len(args) != 1 {
		return parseErr(stmt, "min_connections requires exactly one argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return parseErr(stmt, "min_connections must be a non-negative integer")
	}
	p.curMin = n
	p.haveMin = true
	if p.curMin > p.curMax {
		return parseErr(stmt, "min_connections exceeds max_connections")
	}
	p.cfg.MinConnections = n
	return nil
}

func (p *parser) applyMaxConnections(stmt string, args []string) error {
	if len(args) != 1 {
		return parseErr(stmt, "max_connections requires exactly one argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return parseErr(stmt, "max_connections must be a non-negative integer")
	}
	p.curMax = n
	p.haveMax = true
	if p.curMin > p.curMax {
		return parseErr(stmt, "min_connections exceeds max_connections")
	}
	p.cfg.MaxConnections = n
	return nil
}

func (p *parser) applyDefault(stmt string, args []string) error {
	if len(args) != 1 {
		return parseErr(stmt, "default requires exactly one argument")
	}
	id, err := parseClusterID(args[0])
	if err != nil {
		return parseErr(stmt, "default cluster id out of range")
	}
	p.cfg.DefaultClusterID = id
	p.cfg.HaveDefault = true
	return nil
}

func (p *parser) applyProxy(stmt string, args []string) error {
	if len(args) != 1 {
		return parseErr(stmt, "proxy requires exactly one host:port argument")
	}
	host, port, err := parseHostPort(args[0])
	if err != nil {
		return parseErr(stmt, err.Error())
	}
	if err := p.trackRun(stmt, 0); err != nil {
		return err
	}
	return p.addTarget(stmt, 0, host, port)
}

func (p *parser) applyProxyFor(stmt string, args []string) error {
	if len(args) != 2 {
		return parseErr(stmt, "proxy_for requires a cluster id and host:port")
	}
	id, err := parseClusterID(args[0])
	if err != nil {
		return parseErr(stmt, "cluster id out of range")
	}
	host, port, err := parseHostPort(args[1])
	if err != nil {
		return parseErr(stmt, err.Error())
	}
	if err := p.trackRun(stmt, id); err != nil {
		return err
	}
	return p.addTarget(stmt, id, host, port)
}

func (p *parser) trackRun(stmt string, id int16) error {
	if p.currentRunID != nil && *p.currentRunID == id {
		return nil
	}
	if p.currentRunID != nil {
		p.closedRuns[*p.currentRunID] = true
	}
	if p.closedRuns[id] {
		return parseErr(stmt, "cluster id directives are not contiguous")
	}
	runID := id
	p.currentRunID = &runID
	return nil
}

func (p *parser) addTarget(stmt string, id int16, host string, port int) error {
	p.cfg.HaveProxy = true
	t := Target{
		ClusterID: id,
		Host:      host,
		Port:      port,
		MinConns:  p.curMin,
		MaxConns:  p.curMax,
	}
	p.clusters.add(id, t)
	if len(p.allTargets()) > maxTargets {
		return parseErr(stmt, "too many targets")
	}
	return nil
}

func parseClusterID(s string) (int16, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < -32768 || n > 32767 {
		return 0, fmt.Errorf("cluster id out of range")
	}
	return int16(n), nil
}

// parseHostPort accepts "host:port" with host as a DNS name, IPv4
// literal, or IPv6 literal either bracketed ("[::1]:443") or loose
// ("::1:443", split at the rightmost ':').
func parseHostPort(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 || end+1 >= len(s) || s[end+1] != ':' {
			return "", 0, fmt.Errorf("malformed bracketed address %q", s)
		}
		host := s[1:end]
		portStr := s[end+2:]
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port in %q", s)
		}
		return host, port, nil
	}

	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", s)
	}
	host := s[:idx]
	portStr := s[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", s)
	}
	return host, port, nil
}
