// Package binder turns parts of an HTTP request into typed request structs.
//
// Three binders are provided:
//
//   - JSON(): strict JSON body decoding with a size cap
//   - Path(extractor): URL path parameters via `path:"name"` tags
//   - Header(): request headers via `header:"Name"` tags
//
// Binders compose through handler.WithBinders and are applied in order:
//
//	type grantRequest struct {
//	    Secret string `header:"X-Service-Secret"`
//	    Email  string `json:"email"`
//	}
//
//	r.Post("/internal/grants", handler.Wrap(h,
//	    handler.WithBinders[handler.Context, grantRequest](binder.Header(), binder.JSON()),
//	))
//
// Path and header binders only look at tagged fields. A binder that finds
// nothing to do returns ErrBinderNotApplicable, which Wrap ignores.
package binder
