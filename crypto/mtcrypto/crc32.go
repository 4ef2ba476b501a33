package mtcrypto

import "hash/crc32"

var (
	ieeeTable = crc32.MakeTable(crc32.IEEE)
	castTable = crc32.MakeTable(crc32.Castagnoli)
)

// CRC32Partial folds data into the running state seed and returns the new
// seed. seed starts at 0xffffffff for a fresh checksum; the final value is
// seed XOR 0xffffffff. Splitting input across calls preserves the value:
// CRC32Partial(b, CRC32Partial(a, s)) == CRC32Partial(a||b, s).
func CRC32Partial(data []byte, seed uint32) uint32 {
	// crc32.Update takes and returns finalized values, so the raw running
	// state is inverted on the way in and out.
	return ^crc32.Update(^seed, ieeeTable, data)
}

// CRC32CPartial is the Castagnoli (CRC-32C) analogue of CRC32Partial.
func CRC32CPartial(data []byte, seed uint32) uint32 {
	return ^crc32.Update(^seed, castTable, data)
}

// ComputeCRC32 returns the standard IEEE CRC-32 of data.
func ComputeCRC32(data []byte) uint32 {
	return CRC32Partial(data, 0xffffffff) ^ 0xffffffff
}

// ComputeCRC32C returns the Castagnoli CRC-32C of data.
func ComputeCRC32C(data []byte) uint32 {
	return CRC32CPartial(data, 0xffffffff) ^ 0xffffffff
}
