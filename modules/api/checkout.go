package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/binder"
	"github.com/dmitrymomot/billsync/svc/checkout"
)

// SessionBuilder creates hosted checkout sessions.
type SessionBuilder interface {
	Create(ctx context.Context, req checkout.Request) (*checkout.Session, error)
}

type CheckoutService struct {
	builder      SessionBuilder
	errorHandler handler.ErrorHandler[handler.Context]
}

// NewCheckoutService serves checkout session creation.
func NewCheckoutService(b SessionBuilder, errorHandler handler.ErrorHandler[handler.Context]) *CheckoutService {
	return &CheckoutService{builder: b, errorHandler: errorHandler}
}

func (s *CheckoutService) Handle() http.Handler {
	r := chi.NewRouter()

	r.Post("/sessions", handler.Wrap(s.create,
		handler.WithBinder[handler.Context, checkout.Request](binder.JSON()),
		handler.WithErrorHandler[handler.Context, checkout.Request](s.errorHandler),
	))

	return r
}

func (s *CheckoutService) create(ctx handler.Context, req checkout.Request) handler.Response {
	session, err := s.builder.Create(ctx, req)
	if err != nil {
		return failure(err)
	}
	return handler.JSON(session)
}
