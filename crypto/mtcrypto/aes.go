package mtcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// ErrInvalidKeySize is returned when a key is not a valid AES key length.
var ErrInvalidKeySize = errors.New("mtcrypto: invalid AES key size")

// AESCBCEncrypt encrypts plaintext (which must be a multiple of the AES
// block size) under key/iv using CBC mode.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("mtcrypto: plaintext not block aligned")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext (which must be a multiple of the AES
// block size) under key/iv using CBC mode.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("mtcrypto: ciphertext not block aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// CTRStream wraps an AES-CTR keystream so that callers can apply it to a
// growing sequence of frames while preserving keystream position across
// calls, matching obfuscated2's single long-lived stream per direction.
type CTRStream struct {
	stream cipher.Stream
}

// NewCTRStream constructs a CTRStream from a 32-byte key and 16-byte IV
// (counter block). The same call covers both encryption and decryption:
// CTR XORs the keystream regardless of direction.
func NewCTRStream(key, iv []byte) (*CTRStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("mtcrypto: iv must be 16 bytes")
	}
	return &CTRStream{stream: cipher.NewCTR(block, iv)}, nil
}

// Apply XORs src against the keystream, writing to dst (which may alias
// src), and advances the stream position.
func (s *CTRStream) Apply(dst, src []byte) {
	s.stream.XORKeyStream(dst, src)
}

// AESCTRApply is a one-shot convenience wrapper around CTRStream for
// callers that do not need a persistent stream (e.g. the 64-byte
// obfuscated2 header trial-decryption).
func AESCTRApply(key, iv, data []byte) ([]byte, error) {
	s, err := NewCTRStream(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	s.Apply(out, data)
	return out, nil
}
