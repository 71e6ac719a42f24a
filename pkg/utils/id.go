package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewRequestID returns a random id for HTTP requests and signaling frames.
func NewRequestID() string {
	return uuid.NewString()
}

// GenerateID returns prefix joined to a short random suffix.
func GenerateID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}
