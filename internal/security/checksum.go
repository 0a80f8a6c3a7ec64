package security

import (
	"bytes"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a file checksum in bytes.
const ChecksumSize = 32

// Checksum returns the BLAKE3 checksum of file content.
func Checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// ChecksumMatches reports whether data has the given checksum.
func ChecksumMatches(data, checksum []byte) bool {
	return bytes.Equal(Checksum(data), checksum)
}
