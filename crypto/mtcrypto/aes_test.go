package mtcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex literal: %v", err)
	}
	return b
}

// FIPS-197 / NIST SP 800-38A AES-256-CBC test vector.
func TestAESCBCEncryptKnownVector(t *testing.T) {
	key := mustHex(t, "603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff4")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plaintext := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")
	want := mustHex(t, "f58c4c04d6e5f1ba779eabfb5f7bfbd6")

	got, err := AESCBCEncrypt(key, iv, plaintext)
	if err != nil {
		t.Fatalf("AESCBCEncrypt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}

	back, err := AESCBCDecrypt(key, iv, got)
	if err != nil {
		t.Fatalf("AESCBCDecrypt: %v", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Fatalf("round trip mismatch: got %x want %x", back, plaintext)
	}
}

func TestAESCTRRoundTrip(t *testing.T) {
	key := mustHex(t, "603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff6")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plaintext := []byte("obfuscated2 transport frame payload, arbitrary length 123")

	enc, err := AESCTRApply(key, iv, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(enc, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := AESCTRApply(key, iv, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", dec, plaintext)
	}
}

func TestCTRStreamPreservesPositionAcrossFrames(t *testing.T) {
	key := mustHex(t, "603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff6")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")

	whole := []byte("framepart1-framepart2-framepart3")
	s, err := NewCTRStream(key, iv)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	wholeCT := make([]byte, len(whole))
	s.Apply(wholeCT, whole)

	s2, err := NewCTRStream(key, iv)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	split := 11
	part1 := make([]byte, split)
	part2 := make([]byte, len(whole)-split)
	s2.Apply(part1, whole[:split])
	s2.Apply(part2, whole[split:])

	if !bytes.Equal(wholeCT, append(append([]byte{}, part1...), part2...)) {
		t.Fatal("split application diverged from single application")
	}
}
