package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns n random bytes encoded as URL-safe base64.
func GenerateRandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("security: random length must be positive")
	}
	buf := make([]byte, n)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("security: read random: %w", errRead)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
