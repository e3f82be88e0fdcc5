// Package api exposes the billsync HTTP surface: gateway webhooks, checkout
// sessions, the internal grant endpoints, health probes and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billsync/pkg/requestid"
)

type Mountable interface {
	Handle() http.Handler
}

// RouterOptions configures which services to mount.
// Each service is optional and will only be mounted if provided.
type RouterOptions struct {
	Webhooks Mountable
	Checkout Mountable
	Grants   Mountable

	// Middlewares run for every route after request id assignment.
	Middlewares []func(http.Handler) http.Handler
	// RateLimit guards the webhook and internal grant routes.
	RateLimit func(http.Handler) http.Handler

	Live    http.Handler
	Ready   http.Handler
	Metrics http.Handler
}

// Router creates the root router.
//
// Example:
//
//	r := api.Router(api.RouterOptions{
//		Webhooks: api.NewWebhookService(processor, errHandler),
//		Checkout: api.NewCheckoutService(builder, errHandler),
//		Grants:   api.NewGrantService(secret, grants, sweeper, errHandler),
//		Metrics:  m.Handler(),
//	})
func Router(opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(opts.Middlewares...)

	r.Group(func(r chi.Router) {
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit)
		}
		if opts.Webhooks != nil {
			r.Mount("/webhooks", opts.Webhooks.Handle())
		}
		if opts.Grants != nil {
			r.Mount("/internal/grants", opts.Grants.Handle())
		}
	})
	if opts.Checkout != nil {
		r.Mount("/checkout", opts.Checkout.Handle())
	}

	r.Route("/health", func(h chi.Router) {
		if opts.Live != nil {
			h.Method(http.MethodGet, "/live", opts.Live)
		}
		if opts.Ready != nil {
			h.Method(http.MethodGet, "/ready", opts.Ready)
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return r
}
