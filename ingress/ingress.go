package ingress

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/mtrelay/dataplane"
)

// RejectedEvent describes one connection closed for speaking an
// unrecognized transport, fed to Config.OnRejected for the admin
// live-tail surface (§12 supplemented debug surface). ConnID is a UUID
// rather than the numeric session id: it exists purely for log
// correlation across a reject that never reaches the session layer.
type RejectedEvent struct {
	ConnID string
	Remote string
	Reason string
	At     time.Time
}

// AcceptLimiter is the narrow seam ingress needs from a rate limiter.
type AcceptLimiter interface {
	Allow(nowUnix int64) bool
}

// PacketHandler is the data-plane seam ingress dispatches decoded frames
// to (satisfied by *dataplane.DataPlane).
type PacketHandler interface {
	HandlePacket(ctx context.Context, connID uint64, targetDC int16, frame []byte) ([]byte, error)
	CloseConnection(connID uint64)
}

var _ PacketHandler = (*dataplane.DataPlane)(nil)

// Config configures a Server.
type Config struct {
	Network        string // "tcp" or "tcp6"
	Addr           string
	IdleTimeout    time.Duration
	MaxFrameSize   int
	DefaultTarget  int16
	Secrets        [][]byte // configured obfuscated2 secrets, 16 bytes each
	AcceptLimiter  AcceptLimiter
	OnRejected     func(RejectedEvent) // optional; nil disables the tap
}

// DefaultConfig returns conservative defaults for a client ingress listener.
func DefaultConfig() Config {
	return Config{
		Network:      "tcp",
		IdleTimeout:  5 * time.Minute,
		MaxFrameSize: 8 << 20,
	}
}

type counters struct {
	active, accepted, acceptRateLimited, closed               int64
	framesReceived, framesHandled, framesReturned, framesFailed int64
	bytesReceived, bytesReturned                               int64
	readErrors, writeErrors, invalidFrames                     int64
}

// Counters is a point-in-time snapshot of the ingress server's statistics.
type Counters struct {
	Active            int64
	Accepted          int64
	AcceptRateLimited int64
	Closed            int64
	FramesReceived    int64
	FramesHandled     int64
	FramesReturned    int64
	FramesFailed      int64
	BytesReceived     int64
	BytesReturned     int64
	ReadErrors        int64
	WriteErrors       int64
	InvalidFrames     int64
}

// Server accepts client connections, detects their transport, and
// dispatches decoded frames to a PacketHandler (§4.10).
type Server struct {
	cfg      Config
	handler  PacketHandler
	now      func() time.Time
	connIDs  uint64
	counters counters

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a Server. now may be nil to use time.Now.
func New(cfg Config, handler PacketHandler, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, handler: handler, now: now}
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called; it blocks until the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connID := atomic.AddUint64(&s.connIDs, 1)
		atomic.AddInt64(&s.counters.accepted, 1)
		atomic.AddInt64(&s.counters.active, 1)

		if s.cfg.AcceptLimiter != nil && !s.cfg.AcceptLimiter.Allow(s.now().Unix()) {
			atomic.AddInt64(&s.counters.acceptRateLimited, 1)
			atomic.AddInt64(&s.counters.active, -1)
			conn.Close()
			continue
		}

		go s.handleConn(ctx, connID, conn)
	}
}

// Close stops the listener, if Serve has started one.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Stats returns a point-in-time snapshot of the server's counters.
func (s *Server) Stats() Counters {
	return Counters{
		Active:            atomic.LoadInt64(&s.counters.active),
		Accepted:          atomic.LoadInt64(&s.counters.accepted),
		AcceptRateLimited: atomic.LoadInt64(&s.counters.acceptRateLimited),
		Closed:            atomic.LoadInt64(&s.counters.closed),
		FramesReceived:    atomic.LoadInt64(&s.counters.framesReceived),
		FramesHandled:     atomic.LoadInt64(&s.counters.framesHandled),
		FramesReturned:    atomic.LoadInt64(&s.counters.framesReturned),
		FramesFailed:      atomic.LoadInt64(&s.counters.framesFailed),
		BytesReceived:     atomic.LoadInt64(&s.counters.bytesReceived),
		BytesReturned:     atomic.LoadInt64(&s.counters.bytesReturned),
		ReadErrors:        atomic.LoadInt64(&s.counters.readErrors),
		WriteErrors:       atomic.LoadInt64(&s.counters.writeErrors),
		InvalidFrames:     atomic.LoadInt64(&s.counters.invalidFrames),
	}
}

// connState tracks the per-connection transport once detected: the inner
// framing mode (compact/medium/padded) and, when obfuscated2 is in play,
// the CTR keystreams and resolved target DC.
type connState struct {
	inner    Mode
	obf      *obfuscatedStream // nil unless the outer transport is obfuscated2
	targetDC int16
}

func (s *Server) handleConn(ctx context.Context, connID uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		atomic.AddInt64(&s.counters.active, -1)
		atomic.AddInt64(&s.counters.closed, 1)
		s.handler.CloseConnection(connID)
	}()

	s.renewDeadline(conn)

	// The first byte alone distinguishes compact (Abridged) mode; every
	// other transport is identified by the full first 4 bytes, so a
	// non-compact marker byte must be read back into that window.
	var first [4]byte
	if _, err := io.ReadFull(conn, first[:1]); err != nil {
		atomic.AddInt64(&s.counters.readErrors, 1)
		return
	}

	var st *connState
	if first[0] == tagCompactFirstByte {
		st = &connState{inner: ModeCompact, targetDC: s.cfg.DefaultTarget}
	} else {
		if _, err := io.ReadFull(conn, first[1:]); err != nil {
			atomic.AddInt64(&s.counters.readErrors, 1)
			return
		}
		mode := detectMode(first[:])
		st = &connState{inner: mode, targetDC: s.cfg.DefaultTarget}
	}

	if st.inner == ModeObfuscated2 {
		header := make([]byte, obfuscatedHeaderLen)
		copy(header[:4], first[:])
		if _, err := io.ReadFull(conn, header[4:]); err != nil {
			atomic.AddInt64(&s.counters.readErrors, 1)
			return
		}
		obf, decrypted, err := trySecrets(header, s.cfg.Secrets)
		if err != nil {
			atomic.AddInt64(&s.counters.invalidFrames, 1)
			if s.cfg.OnRejected != nil {
				s.cfg.OnRejected(RejectedEvent{
					ConnID: uuid.NewString(),
					Remote: conn.RemoteAddr().String(),
					Reason: "no matching secret",
					At:     s.now(),
				})
			}
			return
		}
		st.obf = obf
		st.inner = innerModeFromTag(decodedTag(decrypted))
		if obf.targetDC != 0 {
			st.targetDC = obf.targetDC
		}
	}

	for {
		s.renewDeadline(conn)
		frame, err := s.readFrame(conn, st)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				atomic.AddInt64(&s.counters.readErrors, 1)
			}
			return
		}
		atomic.AddInt64(&s.counters.framesReceived, 1)
		atomic.AddInt64(&s.counters.bytesReceived, int64(len(frame)))

		resp, err := s.handler.HandlePacket(ctx, connID, st.targetDC, frame)
		if err != nil {
			atomic.AddInt64(&s.counters.framesFailed, 1)
			continue
		}
		atomic.AddInt64(&s.counters.framesHandled, 1)
		if len(resp) == 0 {
			continue
		}

		s.renewDeadline(conn)
		if err := s.writeFrame(conn, st, resp); err != nil {
			atomic.AddInt64(&s.counters.writeErrors, 1)
			return
		}
		atomic.AddInt64(&s.counters.framesReturned, 1)
		atomic.AddInt64(&s.counters.bytesReturned, int64(len(resp)))
	}
}

func (s *Server) renewDeadline(conn net.Conn) {
	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(s.now().Add(s.cfg.IdleTimeout))
	}
}

// innerModeFromTag maps a decrypted obfuscated2 tag to the framing mode
// it camouflages.
func innerModeFromTag(tag uint32) Mode {
	switch tag {
	case tagMedium:
		return ModeMedium
	case tagPadded:
		return ModePadded
	default:
		return ModeCompact
	}
}

var errFrameTooLarge = errors.New("ingress: frame exceeds configured maximum")

func (s *Server) maxFrame() int {
	if s.cfg.MaxFrameSize > 0 {
		return s.cfg.MaxFrameSize
	}
	return 8 << 20
}

// readFrame reads one logical frame from conn according to st's detected
// inner transport, undoing obfuscated2's CTR stream first when present.
func (s *Server) readFrame(conn net.Conn, st *connState) ([]byte, error) {
	read := func(buf []byte) error {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		if st.obf != nil {
			st.obf.read.Apply(buf, buf)
		}
		return nil
	}

	switch st.inner {
	case ModeCompact:
		var b [1]byte
		if err := read(b[:]); err != nil {
			return nil, err
		}
		length, extended := decodeCompactLength(b[0], nil)
		if extended {
			var extra [3]byte
			if err := read(extra[:]); err != nil {
				return nil, err
			}
			length, _ = decodeCompactLength(b[0], extra[:])
		}
		if length > s.maxFrame() {
			return nil, errFrameTooLarge
		}
		payload := make([]byte, length)
		if length > 0 {
			if err := read(payload); err != nil {
				return nil, err
			}
		}
		return payload, nil

	case ModeMedium:
		var hdr [4]byte
		if err := read(hdr[:]); err != nil {
			return nil, err
		}
		length := int(binary.LittleEndian.Uint32(hdr[:]))
		if length > s.maxFrame() {
			return nil, errFrameTooLarge
		}
		payload := make([]byte, length)
		if length > 0 {
			if err := read(payload); err != nil {
				return nil, err
			}
		}
		return payload, nil

	case ModePadded:
		var hdr [4]byte
		if err := read(hdr[:]); err != nil {
			return nil, err
		}
		total := int(binary.LittleEndian.Uint32(hdr[:]))
		if total > s.maxFrame() {
			return nil, errFrameTooLarge
		}
		buf := make([]byte, total)
		if total > 0 {
			if err := read(buf); err != nil {
				return nil, err
			}
		}
		payloadLen := total &^ 3
		return buf[:payloadLen], nil

	default:
		return nil, errors.New("ingress: unknown inner transport")
	}
}

// writeFrame encodes payload per st's inner transport, applying
// obfuscated2's write CTR stream first when present, and writes it.
func (s *Server) writeFrame(conn net.Conn, st *connState, payload []byte) error {
	write := func(bufs ...[]byte) error {
		for _, b := range bufs {
			if st.obf != nil {
				st.obf.write.Apply(b, b)
			}
		}
		full := make([]byte, 0, totalLen(bufs))
		for _, b := range bufs {
			full = append(full, b...)
		}
		_, err := conn.Write(full)
		return err
	}

	switch st.inner {
	case ModeCompact:
		return write(encodeCompactLength(len(payload)), payload)

	case ModeMedium:
		return write(encodeMediumLength(len(payload)), payload)

	case ModePadded:
		padLen := rand.Intn(4)
		pad := make([]byte, padLen)
		if padLen > 0 {
			if _, err := rand.Read(pad); err != nil {
				return err
			}
		}
		return write(encodePaddedLength(len(payload), padLen), payload, pad)

	default:
		return errors.New("ingress: unknown inner transport")
	}
}

func totalLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
