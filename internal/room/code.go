package room

import (
	"crypto/rand"
	"log"
	"math/big"
)

const (
	// CodeLength is the number of characters in a room code.
	CodeLength = 6

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeGenerator produces candidate room codes.
type CodeGenerator func() string

// GenerateCode returns a random 6-character uppercase alphanumeric code.
func GenerateCode() string {
	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = codeAlphabet[randomIndex(len(codeAlphabet))]
	}
	return string(code)
}

// ValidCode reports whether code has the room-code length and charset.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("Failed to generate random index:", err)
	}
	return int(n.Int64())
}
