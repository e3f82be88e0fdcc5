package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/billsync/pkg/binder"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/requestid"
)

// Classifier maps a domain error onto an HTTPError. It reports false when it
// does not recognize err.
type Classifier func(err error) (HTTPError, bool)

// ErrorHandlerOption configures NewErrorHandler.
type ErrorHandlerOption func(*errorHandlerConfig)

type errorHandlerConfig struct {
	classifiers []Classifier
}

// WithClassifier registers a classifier. Classifiers run in registration
// order before the built-in binder mapping.
func WithClassifier(c Classifier) ErrorHandlerOption {
	return func(cfg *errorHandlerConfig) {
		if c != nil {
			cfg.classifiers = append(cfg.classifiers, c)
		}
	}
}

// classifyBindError maps binder failures to client errors.
func classifyBindError(err error) (HTTPError, bool) {
	switch {
	case errors.Is(err, binder.ErrRequestTooLarge):
		return ErrRequestTooLarge, true
	case errors.Is(err, binder.ErrUnsupportedMediaType), errors.Is(err, binder.ErrMissingContentType):
		return ErrUnsupportedMediaType, true
	case errors.Is(err, binder.ErrFailedToParseJSON),
		errors.Is(err, binder.ErrFailedToParsePath),
		errors.Is(err, binder.ErrFailedToParseHeader):
		return ErrBadRequest, true
	}
	return HTTPError{}, false
}

func determineLogLevel(statusCode int) slog.Level {
	if statusCode < http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelError
}

// NewErrorHandler creates the default JSON error handler.
// Configure it once in main and pass it to every module.
func NewErrorHandler(log *slog.Logger, opts ...ErrorHandlerOption) ErrorHandler[Context] {
	if log == nil {
		log = slog.Default()
	}

	cfg := &errorHandlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	classifiers := append(cfg.classifiers, classifyBindError)

	return func(ctx Context, err error) {
		r := ctx.Request()
		reqID := requestid.FromContext(r.Context())

		var httpErr HTTPError
		if !errors.As(err, &httpErr) {
			httpErr = ErrInternalServerError
			for _, classify := range classifiers {
				if he, ok := classify(err); ok {
					httpErr = he
					break
				}
			}
		}

		log.LogAttrs(r.Context(), determineLogLevel(httpErr.Code), "request error",
			logger.RequestID(reqID),
			logger.Error(err),
			slog.Int("status_code", httpErr.Code),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		resp := JSON(ErrorBody{Error: &ErrorDetail{
			Code:      httpErr.Key,
			Message:   http.StatusText(httpErr.Code),
			RequestID: reqID,
		}}, WithJSONStatus(httpErr.Code))

		if renderErr := resp.Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.ErrorContext(r.Context(), "failed to render error response",
				logger.RequestID(reqID),
				logger.Error(renderErr),
			)
		}
	}
}
