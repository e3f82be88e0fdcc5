// Package handler provides type-safe HTTP handlers for the billsync API.
//
// A handler is a generic function that receives a bound request struct and
// returns a Response. Wrap adapts it to http.HandlerFunc, running binders,
// decorators and the error handler around it:
//
//	type checkoutRequest struct {
//		PlanSlug string `json:"plan_slug"`
//	}
//
//	func create(ctx handler.Context, req checkoutRequest) handler.Response {
//		session, err := builder.Create(ctx, ...)
//		if err != nil {
//			return handler.JSONError(err)
//		}
//		return handler.JSON(session, handler.WithJSONStatus(http.StatusCreated))
//	}
//
//	r.Post("/checkout/sessions", handler.Wrap(create,
//		handler.WithBinder[handler.Context, checkoutRequest](binder.JSON()),
//	))
//
// # Responses
//
//	handler.JSON(v)                  // 200 with v encoded as the body
//	handler.JSONError(err)           // {"error": {...}} with a status from HTTPError
//	handler.Empty()                  // 204
//	handler.EmptyWithStatus(code)    // status only
//
// # Errors
//
// Binding and render failures go to the ErrorHandler. NewErrorHandler logs the
// failure with the request id and renders a JSON error; a Classifier lets the
// caller map domain errors onto HTTP statuses.
package handler
