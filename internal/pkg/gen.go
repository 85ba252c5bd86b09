package pkg

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// GenerateMatchID - allocates a new match record key.
func GenerateMatchID() string {
	return uuid.NewString()
}

// GenerateNewSessionID - generates a new unique anonymous identity id.
func GenerateNewSessionID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "error-generating-session-id"
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
