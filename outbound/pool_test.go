package outbound

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/floegence/mtrelay/config"
)

// echoServer accepts connections and echoes back every length-prefixed
// frame it receives, keeping the connection open for further frames.
func echoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var hdr [4]byte
					if _, err := io.ReadFull(c, hdr[:]); err != nil {
						return
					}
					n := binary.LittleEndian.Uint32(hdr[:])
					body := make([]byte, n)
					if n > 0 {
						if _, err := io.ReadFull(c, body); err != nil {
							return
						}
					}
					out := make([]byte, 4+len(body))
					binary.LittleEndian.PutUint32(out[:4], n)
					copy(out[4:], body)
					if _, err := c.Write(out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// silentServer accepts and reads frames but never writes a response,
// simulating a backend that legitimately has nothing to say.
func silentServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func targetFor(t *testing.T, addr string) config.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return config.Target{Host: host, Port: port}
}

func TestExchangeEchoRoundTrip(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	p := New(DefaultConfig(), nil, nil)
	defer p.Close()

	resp, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("hello"))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("resp = %q, want hello", resp)
	}

	stats := p.Stats()
	if stats.Dials != 1 || stats.PoolMisses != 1 {
		t.Fatalf("unexpected stats after first exchange: %+v", stats)
	}

	// A second exchange on the same target should reuse the pooled conn.
	if _, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("again")); err != nil {
		t.Fatalf("second Exchange: %v", err)
	}
	stats = p.Stats()
	if stats.Dials != 1 || stats.PoolHits != 1 {
		t.Fatalf("expected the second exchange to reuse the pooled conn: %+v", stats)
	}
}

func TestExchangeRejectsOversizedPayload(t *testing.T) {
	p := New(Config{MaxFrameSize: 4}, nil, nil)
	defer p.Close()
	_, err := p.Exchange(context.Background(), config.Target{Host: "127.0.0.1", Port: 1}, []byte("too big"))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestExchangeNoResponseIsNotAnError(t *testing.T) {
	addr, closeFn := silentServer(t)
	defer closeFn()

	cfg := DefaultConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	p := New(cfg, nil, nil)
	defer p.Close()

	resp, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("ping"))
	if err != nil {
		t.Fatalf("Exchange should not error on a silent peer: %v", err)
	}
	if resp != nil {
		t.Fatalf("resp = %v, want nil", resp)
	}
}

func TestExchangeDialFailureIsReported(t *testing.T) {
	p := New(Config{ConnectTimeout: 200 * time.Millisecond}, nil, nil)
	defer p.Close()
	// Port 1 on loopback should fail fast to dial.
	_, err := p.Exchange(context.Background(), config.Target{Host: "127.0.0.1", Port: 1}, []byte("x"))
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if p.Stats().DialErrors == 0 {
		t.Fatal("expected DialErrors to be incremented")
	}
}

func TestIdleEvictionClosesStaleConns(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	now := time.Now()
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Second
	clock := &now
	p := New(cfg, nil, func() time.Time { return *clock })
	defer p.Close()

	if _, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("x")); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if p.Stats().ActiveConns != 1 {
		t.Fatalf("expected 1 active conn, got %+v", p.Stats())
	}

	advanced := now.Add(2 * time.Second)
	clock = &advanced

	if _, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("y")); err != nil {
		t.Fatalf("Exchange after idle eviction: %v", err)
	}
	if p.Stats().IdleEvictions != 1 {
		t.Fatalf("expected 1 idle eviction, got %+v", p.Stats())
	}
	if p.Stats().Reconnects != 0 {
		t.Fatalf("expected the post-eviction dial to count as a first connect, not a reconnect, got %+v", p.Stats())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	p := New(DefaultConfig(), nil, nil)
	if _, err := p.Exchange(context.Background(), targetFor(t, addr), []byte("x")); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
