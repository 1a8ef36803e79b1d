package token

import "time"

// MinTokenLength rejects obviously malformed tokens before any expiry
// check. Platform tokens are 32+ characters.
const MinTokenLength = 16

// Validator holds the expiry-buffer predicate. The buffer is subtracted
// from the real expiry so callers refresh proactively instead of racing the
// hard deadline.
type Validator struct {
	Buffer time.Duration
	Now    func() time.Time
}

func NewValidator(buffer time.Duration) Validator {
	return Validator{Buffer: buffer, Now: time.Now}
}

// Valid reports whether token is plausibly formed and, when expireAt is
// non-zero (unix seconds), still outside the refresh buffer.
func (v Validator) Valid(token string, expireAt int64) bool {
	if len(token) < MinTokenLength {
		return false
	}
	if expireAt == 0 {
		return true
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return now().Add(v.Buffer).Unix() < expireAt
}
