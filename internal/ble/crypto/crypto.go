// Package crypto implements the packet obfuscation used by Fluval LED
// controllers: a one-byte XOR checksum, a three-byte header carrying the
// length, and a single-byte XOR key applied to the payload.
//
// This is not cryptography in any meaningful sense. The package name mirrors
// the firmware's own naming ("encryption") so logs and captures line up.
package crypto

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the number of plaintext bytes in front of every packet.
	HeaderSize = 3

	headerMagic = 0x54
	headerTail  = 0x5A

	// Key is the XOR key applied to outgoing payloads. It equals
	// headerMagic ^ headerTail, which is how Decrypt recovers it.
	Key = 0x0E
)

var (
	// ErrShortChunk is returned when a received chunk cannot hold a header.
	ErrShortChunk = errors.New("ble/crypto: chunk shorter than header")
	// ErrChecksum is returned when the trailing checksum byte does not match.
	ErrChecksum = errors.New("ble/crypto: checksum mismatch")
)

// Checksum returns the running XOR of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// AppendChecksum returns a copy of data with its checksum appended.
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data), len(data)+1)
	copy(out, data)
	return append(out, Checksum(data))
}

// VerifyChecksum checks the trailing checksum byte of data and returns the
// bytes in front of it.
func VerifyChecksum(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrChecksum)
	}
	body, sum := data[:len(data)-1], data[len(data)-1]
	if got := Checksum(body); got != sum {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, sum, got)
	}
	return body, nil
}

// Encrypt appends the checksum to payload, prefixes the length header and
// XORs every payload byte with Key. The header itself is sent in the clear.
func Encrypt(payload []byte) []byte {
	body := AppendChecksum(payload)
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, headerMagic, byte(len(body)+1)^headerMagic, headerTail)
	for _, b := range body {
		out = append(out, b^Key)
	}
	return out
}

// Decrypt strips the header from a received chunk and undoes the XOR using
// the key carried in the header (chunk[0] ^ chunk[2]). The checksum byte, if
// the sender included one, is left in place for the caller to validate.
func Decrypt(chunk []byte) ([]byte, error) {
	if len(chunk) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortChunk, len(chunk))
	}
	key := chunk[0] ^ chunk[2]
	out := make([]byte, len(chunk)-HeaderSize)
	for i, b := range chunk[HeaderSize:] {
		out[i] = b ^ key
	}
	return out, nil
}
