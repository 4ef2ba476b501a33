// Package mtcrypto implements the hashing, checksum, block-cipher, and
// Diffie-Hellman primitives the relay's wire protocol depends on. It
// follows the teacher's choice (crypto/e2ee/kdf.go) of building directly
// on the standard library crypto/* packages rather than pulling in an
// ecosystem crypto toolkit: these are bit-exact reimplementations of a
// fixed wire format, not a place to swap in a different suite.
package mtcrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
)

// SHA1 returns the SHA-1 digest of data.
func SHA1(data []byte) [20]byte {
	return sha1.Sum(data)
}

// SHA1Two hashes the concatenation of a and b without an intermediate
// allocation of the joined buffer.
func SHA1Two(a, b []byte) [20]byte {
	h := sha1.New()
	h.Write(a)
	h.Write(b)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Two hashes the concatenation of a and b.
func SHA256Two(a, b []byte) [32]byte {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMACSHA256 computes HMAC-SHA-256 over data with the given key.
func HMACSHA256(key, data []byte) [32]byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

// MD5 returns the MD5 digest of data. Used only for legacy key-derivation
// layout compatibility (§4.1); never for anything requiring collision
// resistance.
func MD5(data []byte) [16]byte {
	return md5.Sum(data)
}
