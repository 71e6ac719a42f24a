package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
)

// PeerIDRegex validates peer ID format
var PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 128 {
		return fmt.Errorf("peer ID is too long (max 128 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateURL checks that urlStr is absolute, has a host and uses one of schemes.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) > 0 && !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("invalid URL scheme %q (must be one of %v)", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates a transport bandwidth in kbps. Zero leaves the
// server default in place.
func ValidateBitrate(kbps int) error {
	if kbps < 0 {
		return fmt.Errorf("bitrate must not be negative")
	}
	if kbps > 100000 {
		return fmt.Errorf("bitrate is too high (max 100000 kbps)")
	}
	return nil
}

// ValidateRatio validates a value in (0, 1].
func ValidateRatio(v float64, fieldName string) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1]", fieldName)
	}
	return nil
}
