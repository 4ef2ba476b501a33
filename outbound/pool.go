// Package outbound implements the pooled, length-framed TCP client the
// relay uses to talk to upstream backend clusters (§4.9): one pooled
// connection per (host, port), reconnect-on-failure, idle eviction, and a
// single in-flight exchange per socket.
package outbound

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/mtrelay/config"
	"github.com/floegence/mtrelay/internal/relerr"
)

// Dialer abstracts net.Dialer so tests can inject a fake transport.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the pool's deadlines and limits, each independently
// overridable by environment (§4.9, §6).
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxFrameSize   int
}

// DefaultConfig returns §4.9's stated defaults, each overridable by the
// matching MTPROXY_GO_OUTBOUND_* environment variable.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: envDuration("MTPROXY_GO_OUTBOUND_CONNECT_TIMEOUT_MS", 3*time.Second),
		WriteTimeout:   envDuration("MTPROXY_GO_OUTBOUND_WRITE_TIMEOUT_MS", 5*time.Second),
		ReadTimeout:    envDuration("MTPROXY_GO_OUTBOUND_READ_TIMEOUT_MS", 250*time.Millisecond),
		IdleTimeout:    envDuration("MTPROXY_GO_OUTBOUND_IDLE_TIMEOUT_MS", 90*time.Second),
		MaxFrameSize:   envInt("MTPROXY_GO_OUTBOUND_MAX_FRAME_SIZE", 8<<20),
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Counters is a point-in-time snapshot of the pool's operation counts,
// consumed directly by the stats renderer (C13).
type Counters struct {
	Dials            int64
	DialErrors       int64
	Sends            int64
	SendErrors       int64
	BytesSent        int64
	Responses        int64
	ResponseErrors   int64
	ResponseBytes    int64
	ActiveSends      int64
	ActiveConns      int64
	PoolHits         int64
	PoolMisses       int64
	Reconnects       int64
	IdleEvictions    int64
	ClosedAfterSend  int64
}

type counters struct {
	dials, dialErrors                     int64
	sends, sendErrors                     int64
	bytesSent                             int64
	responses, responseErrors             int64
	responseBytes                         int64
	activeSends                           int64
	poolHits, poolMisses                  int64
	reconnects, idleEvictions             int64
	closedAfterSend                       int64
}

func (c *counters) snapshot(activeConns int64) Counters {
	return Counters{
		Dials:           atomic.LoadInt64(&c.dials),
		DialErrors:      atomic.LoadInt64(&c.dialErrors),
		Sends:           atomic.LoadInt64(&c.sends),
		SendErrors:      atomic.LoadInt64(&c.sendErrors),
		BytesSent:       atomic.LoadInt64(&c.bytesSent),
		Responses:       atomic.LoadInt64(&c.responses),
		ResponseErrors:  atomic.LoadInt64(&c.responseErrors),
		ResponseBytes:   atomic.LoadInt64(&c.responseBytes),
		ActiveSends:     atomic.LoadInt64(&c.activeSends),
		ActiveConns:     activeConns,
		PoolHits:        atomic.LoadInt64(&c.poolHits),
		PoolMisses:      atomic.LoadInt64(&c.poolMisses),
		Reconnects:      atomic.LoadInt64(&c.reconnects),
		IdleEvictions:   atomic.LoadInt64(&c.idleEvictions),
		ClosedAfterSend: atomic.LoadInt64(&c.closedAfterSend),
	}
}

type pooledConn struct {
	mu            sync.Mutex
	conn          net.Conn
	hadConnection bool
	lastUsed      time.Time
}

// Pool is a per-(host,port) connection pool. One Pool serves all
// clusters' targets.
type Pool struct {
	cfg    Config
	dialer Dialer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*pooledConn

	counters counters
}

// New constructs a Pool. dialer may be nil to use net.Dialer. now may be
// nil to use time.Now.
func New(cfg Config, dialer Dialer, now func() time.Time) *Pool {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if now == nil {
		now = time.Now
	}
	return &Pool{
		cfg:     cfg,
		dialer:  dialer,
		now:     now,
		entries: make(map[string]*pooledConn),
	}
}

func addrKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// evictIdle closes and drops every entry whose last use predates the
// idle timeout. Called at the top of every Exchange, matching §4.9 step 2.
func (p *Pool) evictIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := p.now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var toClose []*pooledConn
	for k, e := range p.entries {
		e.mu.Lock()
		idle := e.conn != nil && e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if idle {
			toClose = append(toClose, e)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for _, e := range toClose {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
		atomic.AddInt64(&p.counters.idleEvictions, 1)
	}
}

func (p *Pool) getOrCreateEntry(key string) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &pooledConn{}
		p.entries[key] = e
	}
	return e
}

// Exchange sends payload to target and returns its framed response.
// A nil, nil return means the upstream legitimately sent no response
// (§4.9, §9) — never treated as an error by callers.
func (p *Pool) Exchange(ctx context.Context, target config.Target, payload []byte) ([]byte, error) {
	if p.cfg.MaxFrameSize > 0 && len(payload) > p.cfg.MaxFrameSize {
		return nil, relerr.New(relerr.StageOutbound, relerr.CodePayloadTooLarge)
	}

	p.evictIdle()

	key := addrKey(target.Host, target.Port)
	entry := p.getOrCreateEntry(key)

	atomic.AddInt64(&p.counters.activeSends, 1)
	defer atomic.AddInt64(&p.counters.activeSends, -1)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.conn == nil {
		atomic.AddInt64(&p.counters.poolMisses, 1)
		if err := p.dial(ctx, entry, key); err != nil {
			return nil, err
		}
	} else {
		atomic.AddInt64(&p.counters.poolHits, 1)
	}

	resp, err := p.sendAndReceive(ctx, entry, key, payload)
	entry.lastUsed = p.now()
	return resp, err
}

func (p *Pool) dial(ctx context.Context, entry *pooledConn, key string) error {
	dialCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := p.dialer.DialContext(dialCtx, "tcp", key)
	atomic.AddInt64(&p.counters.dials, 1)
	if entry.hadConnection {
		atomic.AddInt64(&p.counters.reconnects, 1)
	}
	if err != nil {
		atomic.AddInt64(&p.counters.dialErrors, 1)
		return relerr.Wrap(relerr.StageOutbound, relerr.CodeDialFailed, err)
	}
	entry.conn = conn
	entry.hadConnection = true
	return nil
}

func (p *Pool) sendAndReceive(ctx context.Context, entry *pooledConn, key string, payload []byte) ([]byte, error) {
	if err := p.writeFrame(entry, payload); err != nil {
		// One retry: close, re-dial, re-write (§4.9 step 3).
		if entry.conn != nil {
			entry.conn.Close()
			entry.conn = nil
		}
		atomic.AddInt64(&p.counters.sendErrors, 1)
		if dialErr := p.dial(ctx, entry, key); dialErr != nil {
			return nil, dialErr
		}
		if err := p.writeFrame(entry, payload); err != nil {
			atomic.AddInt64(&p.counters.sendErrors, 1)
			return nil, relerr.Wrap(relerr.StageOutbound, relerr.CodeSendFailed, err)
		}
	}
	atomic.AddInt64(&p.counters.sends, 1)
	atomic.AddInt64(&p.counters.bytesSent, int64(len(payload)))

	return p.readFrame(entry)
}

func (p *Pool) writeFrame(entry *pooledConn, payload []byte) error {
	if p.cfg.WriteTimeout > 0 {
		entry.conn.SetWriteDeadline(p.now().Add(p.cfg.WriteTimeout))
	}
	hdr := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	copy(hdr[4:], payload)
	_, err := entry.conn.Write(hdr)
	return err
}

// readFrame reads a u32-le length-prefixed response. Timeout, EOF,
// ErrUnexpectedEOF, and ErrClosed all mean "no response" (§4.9, §9): the
// caller gets (nil, nil), and if the peer actually closed the connection
// the socket is dropped from the pool.
func (p *Pool) readFrame(entry *pooledConn) ([]byte, error) {
	if p.cfg.ReadTimeout > 0 {
		entry.conn.SetReadDeadline(p.now().Add(p.cfg.ReadTimeout))
	}

	var hdr [4]byte
	_, err := io.ReadFull(entry.conn, hdr[:])
	if err != nil {
		return p.handleReadErr(entry, err)
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	if p.cfg.MaxFrameSize > 0 && int(n) > p.cfg.MaxFrameSize {
		atomic.AddInt64(&p.counters.responseErrors, 1)
		entry.conn.Close()
		entry.conn = nil
		return nil, relerr.Wrap(relerr.StageOutbound, relerr.CodeResponseReadFailed, fmt.Errorf("response frame too large: %d", n))
	}
	if n == 0 {
		atomic.AddInt64(&p.counters.responses, 1)
		return []byte{}, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(entry.conn, body); err != nil {
		return p.handleReadErr(entry, err)
	}
	atomic.AddInt64(&p.counters.responses, 1)
	atomic.AddInt64(&p.counters.responseBytes, int64(len(body)))
	return body, nil
}

func (p *Pool) handleReadErr(entry *pooledConn, err error) ([]byte, error) {
	if isNoResponseErr(err) {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			if entry.conn != nil {
				entry.conn.Close()
				entry.conn = nil
				atomic.AddInt64(&p.counters.closedAfterSend, 1)
			}
		}
		return nil, nil
	}
	atomic.AddInt64(&p.counters.responseErrors, 1)
	if entry.conn != nil {
		entry.conn.Close()
		entry.conn = nil
	}
	return nil, relerr.Wrap(relerr.StageOutbound, relerr.CodeResponseReadFailed, err)
}

func isNoResponseErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Stats returns a point-in-time snapshot of the pool's counters.
func (p *Pool) Stats() Counters {
	p.mu.Lock()
	active := int64(0)
	for _, e := range p.entries {
		e.mu.Lock()
		if e.conn != nil {
			active++
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()
	return p.counters.snapshot(active)
}

// Close is idempotent and closes every pooled socket.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
	}
	return nil
}
