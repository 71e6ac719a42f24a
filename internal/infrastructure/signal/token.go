package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("join token expired")

// JoinToken is the identity carried by the token handed to the signaling
// server. The server verifies the signature; the client only reads claims.
type JoinToken struct {
	Raw       string
	UserID    string
	ExpiresAt time.Time
}

// ParseJoinToken extracts the subject and expiry of raw without verifying
// its signature.
func ParseJoinToken(raw string, now time.Time) (JoinToken, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return JoinToken{}, fmt.Errorf("parse join token: %w", err)
	}
	if claims.Subject == "" {
		return JoinToken{}, errors.New("join token has no subject")
	}

	token := JoinToken{Raw: raw, UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(token.ExpiresAt) {
			return token, ErrTokenExpired
		}
	}
	return token, nil
}

// TTL returns how long the token stays valid after now; zero means no expiry.
func (t JoinToken) TTL(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
