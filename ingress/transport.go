// Package ingress terminates client-facing connections: it detects the
// wire transport (compact/medium/padded length-framing, or the
// obfuscated2 camouflage header), decodes frames, and dispatches them to
// the data plane (§4.10).
package ingress

import (
	"encoding/binary"
	"errors"

	"github.com/floegence/mtrelay/crypto/mtcrypto"
)

// Mode identifies the detected client transport.
type Mode int

const (
	ModeCompact Mode = iota
	ModeMedium
	ModePadded
	ModeObfuscated2
)

func (m Mode) String() string {
	switch m {
	case ModeCompact:
		return "compact"
	case ModeMedium:
		return "medium"
	case ModePadded:
		return "padded"
	case ModeObfuscated2:
		return "obfuscated2"
	default:
		return "unknown"
	}
}

const (
	tagMedium             uint32 = 0xeeeeeeee
	tagPadded             uint32 = 0xdddddddd
	tagCompactDecrypted   uint32 = 0xefefefef
	tagCompactFirstByte   byte   = 0xef
	compactExtendedMarker byte   = 0x7f
)

var errNoSecretMatched = errors.New("ingress: no secret matched obfuscated2 header")

// obfuscatedHeaderLen is the size of the fixed camouflage header clients
// send before any obfuscated2 frame.
const obfuscatedHeaderLen = 64

// obfuscatedStream holds the per-direction CTR keystreams derived from an
// obfuscated2 header plus the resolved target DC, valid for the lifetime
// of one connection.
type obfuscatedStream struct {
	read     *mtcrypto.CTRStream
	write    *mtcrypto.CTRStream
	targetDC int16
}

// reverseBytes returns a new slice with b's bytes in reverse order.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// deriveObfuscatedKeys computes (read_key, read_iv, write_key, write_iv)
// from a 64-byte client header and a candidate secret, per §4.10. A nil
// secret means "no secrets configured": the key material is used
// unhashed.
func deriveObfuscatedKeys(header []byte, secret []byte) (readKey, readIV, writeKey, writeIV []byte) {
	readIV = header[40:56]
	writeIV = reverseBytes(header[8:24])

	if secret == nil {
		readKey = header[8:40]
		writeKey = reverseBytes(header[24:56])
		return
	}

	rk := mtcrypto.SHA256Two(header[8:40], secret)
	readKey = rk[:]
	wkSrc := reverseBytes(header[24:56])
	wk := mtcrypto.SHA256Two(wkSrc, secret)
	writeKey = wk[:]
	return
}

// decodedTag extracts the 4-byte transport tag at bytes [56..60) of a
// decrypted obfuscated2 header.
func decodedTag(decrypted []byte) uint32 {
	return binary.LittleEndian.Uint32(decrypted[56:60])
}

// decodedTargetDC extracts the signed 16-bit target-DC id at bytes
// [60..62) of a decrypted obfuscated2 header.
func decodedTargetDC(decrypted []byte) int16 {
	return int16(binary.LittleEndian.Uint16(decrypted[60:62]))
}

// isKnownTag reports whether tag is one of the three transport tags
// obfuscated2 may carry once decrypted.
func isKnownTag(tag uint32) bool {
	switch tag {
	case tagCompactDecrypted, tagMedium, tagPadded:
		return true
	default:
		return false
	}
}

// trySecrets attempts obfuscated2 header decryption against every
// candidate secret (plus the unhashed "no secrets configured" case when
// secrets is empty) and returns the first one that decrypts to a known
// tag.
func trySecrets(header []byte, secrets [][]byte) (*obfuscatedStream, []byte /*decrypted*/, error) {
	candidates := secrets
	if len(candidates) == 0 {
		candidates = [][]byte{nil}
	}
	for _, secret := range candidates {
		readKey, readIV, writeKey, writeIV := deriveObfuscatedKeys(header, secret)
		readStream, err := mtcrypto.NewCTRStream(readKey, readIV)
		if err != nil {
			continue
		}
		decrypted := make([]byte, obfuscatedHeaderLen)
		readStream.Apply(decrypted, header)
		if !isKnownTag(decodedTag(decrypted)) {
			continue
		}
		writeStream, err := mtcrypto.NewCTRStream(writeKey, writeIV)
		if err != nil {
			continue
		}
		return &obfuscatedStream{
			read:     readStream,
			write:    writeStream,
			targetDC: decodedTargetDC(decrypted),
		}, decrypted, nil
	}
	return nil, nil, errNoSecretMatched
}

// detectMode inspects the first bytes of a freshly accepted connection
// and reports which transport the client is speaking. It does not
// consume more than it needs to decide for the three plain framings;
// obfuscated2 detection happens by the caller reading a full 64-byte
// header and calling trySecrets.
func detectMode(first4 []byte) Mode {
	if first4[0] == tagCompactFirstByte {
		return ModeCompact
	}
	v := binary.LittleEndian.Uint32(first4)
	switch v {
	case tagMedium:
		return ModeMedium
	case tagPadded:
		return ModePadded
	default:
		return ModeObfuscated2
	}
}

// decodeCompactLength parses an Abridged-mode length header. extra holds
// the 3 extra bytes read when the marker byte indicates the extended
// form; it may be nil when not needed.
func decodeCompactLength(first byte, extra []byte) (length int, extended bool) {
	if first != compactExtendedMarker {
		return int(first) * 4, false
	}
	n := uint32(extra[0]) | uint32(extra[1])<<8 | uint32(extra[2])<<16
	return int(n) * 4, true
}

// encodeCompactLength renders payload's length as an Abridged-mode
// header: the short 1-byte form when it fits, else the extended 4-byte
// form.
func encodeCompactLength(payloadLen int) []byte {
	if payloadLen <= 0x7e*4 {
		return []byte{byte(payloadLen / 4)}
	}
	words := uint32(payloadLen / 4)
	out := make([]byte, 4)
	out[0] = compactExtendedMarker
	out[1] = byte(words)
	out[2] = byte(words >> 8)
	out[3] = byte(words >> 16)
	return out
}

// encodeMediumLength renders payload's length as an Intermediate-mode
// u32_le header.
func encodeMediumLength(payloadLen int) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(payloadLen))
	return out
}

// encodePaddedLength renders payload's length plus pad as a padded-mode
// u32_le header.
func encodePaddedLength(payloadLen, padLen int) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(payloadLen+padLen))
	return out
}
