package mtcrypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
)

// rpcDHPrimeHex is the fixed 2048-bit prime used for every DH handshake
// this relay classifies and, where it terminates a handshake itself (for
// administrative probing), performs. Byte-exact, big-endian.
const rpcDHPrimeHex = "c71caeb9c6b1c9048e6c522f70f13f73980d40238e3e21c14934d037563d930" +
	"f48198a0aa7c14058229493d22530f4dbfa336f6e0ac925139543aed44cce7c" +
	"3720fd51f69458705ac68cd4fe6b6b13abdc9746512969328454f18faf8c595" +
	"f642477fe96bb2a941d5bcd1d4ac8cc49880708fa9b378e3c4f3a9060bee67c" +
	"f9a4a4a695811051907e162753b56b0f6b410dba74d8a84b2a14b3144e0ef12" +
	"84754fd17ed950d5965b4b9dd46582db1178d169c6bc465b0d6ff9ca3928fef" +
	"5b9ae4e418fc15e83ebea0f87fa9ff5eed70050ded2849f47bf959d956850ce" +
	"929851f0d8115f635b105ee2e4e15d04b2454bf6f4fadf034b10403119cd8e3b92fcc5b"

const dhGenerator = 3
const dhParamsMagic uint32 = 0xab45ccd3

var rpcDHPrime *big.Int

func init() {
	p, ok := new(big.Int).SetString(rpcDHPrimeHex, 16)
	if !ok {
		panic("mtcrypto: invalid rpcDHPrime constant")
	}
	rpcDHPrime = p
}

// RPCDHPrime returns the fixed 2048-bit DH prime, big-endian, zero-padded
// to 256 bytes.
func RPCDHPrime() []byte {
	return leftPad(rpcDHPrime.Bytes(), 256)
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// IsGoodPublicValue reports whether y is an acceptable DH public value:
// it must have at least one non-zero byte among its top 8 bytes (as a
// 256-byte big-endian integer) and must be strictly less than the prime.
func IsGoodPublicValue(y []byte) bool {
	padded := leftPad(y, 256)
	nonZero := false
	for _, b := range padded[:8] {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return false
	}
	v := new(big.Int).SetBytes(padded)
	return v.Cmp(rpcDHPrime) < 0
}

// DHParams accompanies the first-round public value with the magic and
// parameter hash a client uses to validate the (g, dh_prime) pair, plus
// the private scalar needed to complete the exchange later.
type DHParams struct {
	Magic         uint32
	ParamsHash    [4]byte
	PrivateScalar *big.Int
}

// DHParamsHash returns the low 4 bytes of SHA-1(u32_le(g) || u32_le(version) || prime).
func DHParamsHash(g uint32, version uint32, prime []byte) [4]byte {
	buf := make([]byte, 8, 8+len(prime))
	binary.LittleEndian.PutUint32(buf[0:4], g)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	buf = append(buf, prime...)
	sum := SHA1(buf)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// randomScalar draws a 256-byte big-endian scalar from rng, retrying until
// the value's length as a minimal big-endian encoding falls in (240, 256],
// per §4.1.
func randomScalar(rng io.Reader) (*big.Int, []byte, error) {
	for {
		buf := make([]byte, 256)
		if _, err := io.ReadFull(rng, buf); err != nil {
			return nil, nil, err
		}
		v := new(big.Int).SetBytes(buf)
		n := len(v.Bytes())
		if n > 240 && n <= 256 {
			return v, buf, nil
		}
	}
}

func modPow(base *big.Int, exp *big.Int) []byte {
	out := new(big.Int).Exp(base, exp, rpcDHPrime)
	return leftPad(out.Bytes(), 256)
}

// FirstRound generates a random 256-byte private scalar a and returns
// (g^a mod p, params) where params carries the magic, parameter hash, and
// the private scalar needed by ThirdRound.
func FirstRound(rng io.Reader) (pub []byte, params DHParams, err error) {
	a, _, err := randomScalar(rng)
	if err != nil {
		return nil, DHParams{}, err
	}
	g := big.NewInt(dhGenerator)
	pub = modPow(g, a)
	if !IsGoodPublicValue(pub) {
		return FirstRound(rng)
	}
	params = DHParams{
		Magic:         dhParamsMagic,
		ParamsHash:    DHParamsHash(dhGenerator, 0x000100fe, RPCDHPrime()),
		PrivateScalar: a,
	}
	return pub, params, nil
}

// SecondRound picks a fresh private scalar b and returns (peerPub^b mod p,
// g^b mod p): the shared secret as seen by the second party and the
// public value to send back to the first.
func SecondRound(peerPub []byte, rng io.Reader) (shared []byte, ourPub []byte, err error) {
	if !IsGoodPublicValue(peerPub) {
		return nil, nil, errors.New("mtcrypto: bad peer public value")
	}
	b, _, err := randomScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	peer := new(big.Int).SetBytes(peerPub)
	shared = modPow(peer, b)
	g := big.NewInt(dhGenerator)
	ourPub = modPow(g, b)
	return shared, ourPub, nil
}

// ThirdRound completes the exchange for the first party: given the peer's
// public value and the params captured in FirstRound, returns
// peerPub^a mod p, which equals the shared secret SecondRound computed.
func ThirdRound(peerPub []byte, params DHParams) ([]byte, error) {
	if !IsGoodPublicValue(peerPub) {
		return nil, errors.New("mtcrypto: bad peer public value")
	}
	peer := new(big.Int).SetBytes(peerPub)
	return modPow(peer, params.PrivateScalar), nil
}

// DefaultRand is the CSPRNG source used outside of tests.
var DefaultRand io.Reader = rand.Reader
