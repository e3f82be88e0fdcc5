package billing

import "errors"

// Error kinds. Every error leaving a service is joined with one of these.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrConfiguration      = errors.New("configuration error")
	ErrResolution         = errors.New("resolution failed")
	ErrPersistence        = errors.New("persistence failure")
	ErrPartialApplication = errors.New("partially applied change was rolled back")
	ErrMalformedPayload   = errors.New("malformed webhook payload")
)

var (
	ErrUnknownGateway   = errors.New("unknown billing gateway")
	ErrMissingEventID   = errors.New("webhook payload has no event id")
	ErrGatewayRequest   = errors.New("billing gateway request failed")
	ErrNotSupported     = errors.New("operation not supported by billing gateway")
	ErrMissingPriceCode = errors.New("plan has no price code for gateway")
)

// Kind returns the error kind carried by err, or nil when err has none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrAuthentication,
		ErrConfiguration,
		ErrMalformedPayload,
		ErrResolution,
		ErrPartialApplication,
		ErrPersistence,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
