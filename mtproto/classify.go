// Package mtproto recognizes and validates the raw inbound frames the
// relay forwards: either a DH-handshake envelope or an already-encrypted
// envelope. It never panics and never silently passes a malformed frame
// through — every rejection becomes a relerr bad-frame error.
package mtproto

import (
	"encoding/binary"

	"github.com/floegence/mtrelay/internal/relerr"
)

// Kind distinguishes the two packet shapes the relay classifies.
type Kind int

const (
	// KindEncrypted is an already-encrypted client payload; the relay
	// forwards it opaquely.
	KindEncrypted Kind = iota
	// KindDHHandshake is one of the four DH key-exchange functions.
	KindDHHandshake
)

// Handshake function codes, little-endian on the wire (§4.2).
const (
	FuncReqPQ             uint32 = 0x60469778
	FuncReqPQMulti        uint32 = 0xbe7e8ef1
	FuncReqDHParams       uint32 = 0xd712e4be
	FuncSetClientDHParams uint32 = 0xf5045f1f
)

func isHandshakeFunc(code uint32) bool {
	switch code {
	case FuncReqPQ, FuncReqPQMulti, FuncReqDHParams, FuncSetClientDHParams:
		return true
	default:
		return false
	}
}

// Packet is the result of successfully classifying a frame.
type Packet struct {
	Kind Kind

	// Encrypted fields.
	AuthKeyID uint64

	// DH-handshake fields.
	InnerLength int32
	Function    uint32

	Length int // total frame length
}

// ParseMTProtoPacket classifies frame per §4.2. Every failure path
// returns a *relerr.Error with Code CodeBadFrame; it never panics.
func ParseMTProtoPacket(frame []byte) (Packet, error) {
	n := len(frame)
	if n < 28 || n%4 != 0 {
		return Packet{}, relerr.New(relerr.StageClassify, relerr.CodeBadFrame)
	}

	authKeyID := binary.LittleEndian.Uint64(frame[0:8])
	if authKeyID != 0 {
		if n < 56 {
			return Packet{}, relerr.New(relerr.StageClassify, relerr.CodeBadFrame)
		}
		return Packet{
			Kind:      KindEncrypted,
			AuthKeyID: authKeyID,
			Length:    n,
		}, nil
	}

	innerLength := int32(binary.LittleEndian.Uint32(frame[16:20]))
	if innerLength < 20 || int(innerLength)+20 > n {
		return Packet{}, relerr.New(relerr.StageClassify, relerr.CodeBadFrame)
	}
	function := binary.LittleEndian.Uint32(frame[20:24])
	if !isHandshakeFunc(function) {
		return Packet{}, relerr.New(relerr.StageClassify, relerr.CodeBadFrame)
	}

	return Packet{
		Kind:        KindDHHandshake,
		InnerLength: innerLength,
		Function:    function,
		Length:      n,
	}, nil
}
