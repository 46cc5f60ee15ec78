package util

import (
	"hash/crc32"
)

// crc32Table is precomputed for better performance
var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// Fingerprint identifies file content cheaply. Watchers use it to drop change
// events for content they already hold.
type Fingerprint struct {
	Size int
	Sum  uint32
}

// FingerprintOf computes the fingerprint of data.
func FingerprintOf(data []byte) Fingerprint {
	return Fingerprint{Size: len(data), Sum: ComputeChecksum(data)}
}

// Matches reports whether data has this fingerprint.
func (f Fingerprint) Matches(data []byte) bool {
	return f.Size == len(data) && ValidateChecksum(data, f.Sum)
}
