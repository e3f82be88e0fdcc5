package webhook

import "errors"

// Signature errors. ErrMissingSecret is a configuration problem; the other two
// mean the request did not come from the holder of the secret.
var (
	ErrMissingSecret     = errors.New("webhook secret is not configured")
	ErrMissingSignature  = errors.New("webhook signature is missing")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// IsAuthenticationError reports whether err means the request must be rejected as unauthenticated.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrSignatureMismatch)
}
