package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plexus/pkg/domain"
)

// SessionTTL is the lifetime of an opaque session token.
const SessionTTL = 7 * 24 * time.Hour

// NewSessionToken returns a session of 32 random bytes, hex encoded, expiring
// SessionTTL after now.
func NewSessionToken(now time.Time) (domain.Session, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now = now.UTC()
	return domain.Session{
		Token:     hex.EncodeToString(buf),
		ExpiresAt: now.Add(SessionTTL),
		CreatedAt: now,
	}, nil
}

// FromRequest extracts a bearer token. The Authorization header wins over the
// cookie when both are present.
func FromRequest(r *http.Request, cookieName string) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	if cookieName == "" {
		return ""
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
