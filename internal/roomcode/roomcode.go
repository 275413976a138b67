// Package roomcode generates the short meeting codes users type to join a room.
package roomcode

import (
	"crypto/rand"
	"fmt"
)

const (
	DefaultLength = 8
	MinLength     = 5
	MaxLength     = 10

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// rejectAbove is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const rejectAbove = 256 - 256%len(alphabet)

// Generate returns a crypto-random code of [A-Za-z0-9]. A length outside
// [MinLength, MaxLength] falls back to DefaultLength.
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		length = DefaultLength
	}

	out := make([]byte, 0, length)
	var buf [32]byte
	for len(out) < length {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether code has the shape Generate produces. It says nothing
// about whether a room with that code exists.
func Valid(code string) bool {
	if len(code) < MinLength || len(code) > MaxLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
