package token

import "time"

// DefaultTTL is how long an issued token stays usable when the caller does
// not choose a lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Token mirrors the access_tokens table. The plaintext secret is returned
// exactly once at issue time and only its bcrypt hash is stored; rows are
// kept forever for forensic audit.
type Token struct {
	ID         string
	DealID     string
	SecretHash string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// Consumed reports whether the token has already authorized a confirmation.
func (t Token) Consumed() bool {
	return t.UsedAt != nil
}

// ExpiredAt reports whether the token was past its lifetime at the given
// instant, ignoring consumption state.
func (t Token) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
