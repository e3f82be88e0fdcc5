package binder

import "net/http"

// Header creates a binder for request headers. Only fields tagged
// `header:"Name"` are bound; names are canonicalized by net/http.
func Header() func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if len(r.Header) == 0 {
			return ErrBinderNotApplicable
		}
		return bindTagged(v, "header", ErrFailedToParseHeader, r.Header.Get)
	}
}
