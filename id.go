package cookiesession

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
)

const (
	// idEntropyBytes is the amount of randomness in a session identifier (256 bits).
	idEntropyBytes = 32
	// idLength is the length of an encoded identifier.
	idLength = 43
)

// GenerateID returns a new URL-safe session identifier backed by 32 bytes read from
// crypto/rand.
func GenerateID() (string, error) {
	ptr := idBufferPool.Get().(*[]byte)
	b := *ptr
	defer func() {
		clear(b)
		idBufferPool.Put(ptr)
	}()

	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveKey returns the storage key for a session identifier: the hex SHA-256 of
// id followed by secret. The key is what stores index by; it is never sent to clients.
func DeriveKey(id, secret string) string {
	sum := sha256.Sum256([]byte(id + secret))
	return hex.EncodeToString(sum[:])
}

// validIDChars is a lookup table for the raw URL base64 alphabet.
var validIDChars = [256]bool{}

func init() {
	for i := 0; i < len(validIDChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			validIDChars[i] = true
		}
	}
}

// isValidID keeps malformed identifiers away from the stores.
func isValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < idLength; i++ {
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}
