package mtcrypto

import "testing"

func TestComputeCRC32KnownVector(t *testing.T) {
	got := ComputeCRC32([]byte("123456789"))
	if got != 0xcbf43926 {
		t.Fatalf("ComputeCRC32 = %#x, want 0xcbf43926", got)
	}
}

func TestComputeCRC32CKnownVector(t *testing.T) {
	got := ComputeCRC32C([]byte("123456789"))
	if got != 0xe3069283 {
		t.Fatalf("ComputeCRC32C = %#x, want 0xe3069283", got)
	}
}

func TestCRC32PartialSplitMatchesWhole(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := CRC32Partial(data, 0xffffffff)

	for split := 0; split <= len(data); split++ {
		s := CRC32Partial(data[:split], 0xffffffff)
		s = CRC32Partial(data[split:], s)
		if s != whole {
			t.Fatalf("split at %d: got %#x, want %#x", split, s, whole)
		}
	}
}

func TestCRC32CPartialSplitMatchesWhole(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := CRC32CPartial(data, 0xffffffff)

	for split := 0; split <= len(data); split++ {
		s := CRC32CPartial(data[:split], 0xffffffff)
		s = CRC32CPartial(data[split:], s)
		if s != whole {
			t.Fatalf("split at %d: got %#x, want %#x", split, s, whole)
		}
	}
}

func TestComputeCRC32EqualsPartialXORAllOnes(t *testing.T) {
	data := []byte("mtrelay")
	if got, want := ComputeCRC32(data), CRC32Partial(data, 0xffffffff)^0xffffffff; got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
	if got, want := ComputeCRC32C(data), CRC32CPartial(data, 0xffffffff)^0xffffffff; got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
}
