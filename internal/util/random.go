// Package util provides utility functions for the One engine.
package util

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand; not for cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateRequestID generates a unique request ID with "req_" prefix, used to
// correlate out-of-order asynchronous completions with the turn that
// triggered them.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 24)
}

// GenerateSessionID generates a session identifier. Sessions are opaque
// UUIDs so they can be handed to external collaborators safely.
func GenerateSessionID() string {
	return uuid.NewString()
}
