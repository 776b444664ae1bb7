package rand

import (
	"crypto/rand"
	"encoding/hex"
)

// Hex returns a random hex string of n characters (n must be even).
func Hex(n int) string {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
