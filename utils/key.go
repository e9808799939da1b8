package utils

import (
	"strings"
)

const (
	// keeps filenames well below common 255-byte name limits
	maxSanitizedKeyLen int = 120
	sanitizedKeyPrefix int = 80
)

// SanitizeKey makes a filesystem-safe name from an arbitrary cache key.
// Only ASCII letters and digits survive, so distinct keys that differ only
// in other characters map to the same name. Keys longer than the name limit
// are truncated and suffixed with a hash of the full key.
func SanitizeKey(key string) string {
	sb := strings.Builder{}
	sb.Grow(len(key))

	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			sb.WriteByte(c)
		}
	}

	sanitized := sb.String()
	if len(sanitized) == 0 {
		return MakeHash(key)
	}

	if len(sanitized) > maxSanitizedKeyLen {
		return sanitized[:sanitizedKeyPrefix] + MakeHash(key)
	}

	return sanitized
}
