package token

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tokend/pkg/config"
)

// ErrExhausted matches (via errors.Is) the AuthError produced when the
// retry budget runs out.
var ErrExhausted = errors.New("token acquisition attempts exhausted")

// AuthError is a credential or authorization failure reported by the
// platform. Fatal: retrying with the same credentials cannot succeed.
type AuthError struct {
	Code      string
	Message   string
	Exhausted bool
	Err       error // last underlying error when Exhausted
}

func (e *AuthError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("auth: %s (code %s)", e.Message, e.Code)
	}
	return "auth: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	return target == ErrExhausted && e.Exhausted
}

// NetworkError is a transport-level failure (timeout, refused connection,
// unreadable response). Retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is an explicit throttling response. Retryable; RetryAfter
// is a hint and may be zero.
type RateLimitError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (code %s)", e.Message, e.Code)
}

// ConfigError is raised eagerly at construction for unusable configuration.
// Never retried.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string { return "config: missing or invalid " + e.Field }

// Retryable reports whether a failed acquisition attempt may be retried.
// Credential and config problems short-circuit; transport and throttling
// failures loop.
func Retryable(err error) bool {
	var ne *NetworkError
	var re *RateLimitError
	return errors.As(err, &ne) || errors.As(err, &re)
}

// Platform error codes that indicate throttling or bad credentials. The
// legacy API reports numeric errcodes; the current API reports dotted
// string codes.
var (
	legacyThrottleCodes = map[string]bool{"88": true, "90018": true}
	legacyAuthCodes     = map[string]bool{"40001": true, "40078": true, "40089": true, "41001": true}
)

// ClassifyCode maps a platform error indicator onto the taxonomy.
// httpStatus is the transport status (0 for legacy responses, which always
// answer 200 and signal errors in the body).
func ClassifyCode(apiVersion string, httpStatus int, code, message string) error {
	if httpStatus == http.StatusTooManyRequests {
		return &RateLimitError{Code: code, Message: message}
	}
	if httpStatus >= 500 {
		return &NetworkError{Err: fmt.Errorf("upstream %d: %s", httpStatus, message)}
	}
	if apiVersion == config.APIVersionLegacy {
		switch {
		case code == "-1": // platform "system busy"
			return &NetworkError{Err: fmt.Errorf("platform busy: %s", message)}
		case legacyThrottleCodes[code]:
			return &RateLimitError{Code: code, Message: message}
		case legacyAuthCodes[code]:
			return &AuthError{Code: code, Message: message}
		}
		return &AuthError{Code: code, Message: message}
	}
	if strings.Contains(code, "Throttling") {
		return &RateLimitError{Code: code, Message: message}
	}
	return &AuthError{Code: code, Message: message}
}
