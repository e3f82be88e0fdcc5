package api

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/ratelimiter"
	"github.com/dmitrymomot/billsync/svc/checkout"
)

var (
	errUnknownGateway  = handler.NewHTTPError(http.StatusNotFound, "unknown_gateway")
	errBadSignature    = handler.NewHTTPError(http.StatusUnauthorized, "invalid_signature")
	errMisconfigured   = handler.NewHTTPError(http.StatusInternalServerError, "configuration_error")
	errMalformed       = handler.NewHTTPError(http.StatusBadRequest, "malformed_payload")
	errUnresolvable    = handler.NewHTTPError(http.StatusBadRequest, "unresolvable")
	errNotApplied      = handler.NewHTTPError(http.StatusInternalServerError, "partially_applied")
	errPersistence     = handler.NewHTTPError(http.StatusInternalServerError, "persistence_failure")
	errGatewayFailed   = handler.NewHTTPError(http.StatusBadGateway, "gateway_request_failed")
	errInvalidRequest  = handler.NewHTTPError(http.StatusBadRequest, "invalid_request")
	errBodyTooLarge    = handler.NewHTTPError(http.StatusRequestEntityTooLarge, "payload_too_large")
	errServiceSecret   = handler.NewHTTPError(http.StatusUnauthorized, "invalid_service_secret")
	errSecretNotConfig = handler.NewHTTPError(http.StatusInternalServerError, "service_secret_not_configured")
	errRateLimited     = handler.NewHTTPError(http.StatusTooManyRequests, "rate_limited")
)

// Classify maps service errors onto HTTP errors by their billing kind.
// A bare unknown gateway is a 404; joined with a configuration kind it is a 500.
func Classify(err error) (handler.HTTPError, bool) {
	switch billing.Kind(err) {
	case billing.ErrAuthentication:
		return errBadSignature, true
	case billing.ErrConfiguration:
		return errMisconfigured, true
	case billing.ErrMalformedPayload:
		return errMalformed, true
	case billing.ErrResolution:
		return errUnresolvable, true
	case billing.ErrPartialApplication:
		return errNotApplied, true
	case billing.ErrPersistence:
		return errPersistence, true
	}

	switch {
	case errors.Is(err, billing.ErrUnknownGateway):
		return errUnknownGateway, true
	case errors.Is(err, checkout.ErrInvalidRequest):
		return errInvalidRequest, true
	case errors.Is(err, billing.ErrGatewayRequest):
		return errGatewayFailed, true
	}
	return handler.HTTPError{}, false
}

// failure renders err as a classified JSON error.
func failure(err error) handler.Response {
	if he, ok := Classify(err); ok {
		return handler.JSONError(he)
	}
	return handler.JSONError(err)
}

// RateLimitResponder renders rate limiter denials in the JSON error format.
func RateLimitResponder(w http.ResponseWriter, r *http.Request, _ *ratelimiter.Result, err error) {
	he := errRateLimited
	if err != nil {
		he = handler.ErrServiceUnavailable
	}
	_ = handler.JSONError(he).Render(w, r)
}
