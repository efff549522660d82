package guard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes gives 256 bits of entropy per heartbeat token.
const tokenBytes = 32

// mintToken generates an opaque heartbeat token. Each token is valid for
// exactly one heartbeat round.
func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("guard: token generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
