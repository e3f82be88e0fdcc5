package binder

import "net/http"

// Path creates a path parameter binder using the router's extractor,
// e.g. chi.URLParam. Only fields tagged `path:"name"` are bound.
func Path(extractor func(r *http.Request, name string) string) func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if extractor == nil {
			return ErrBinderNotApplicable
		}
		return bindTagged(v, "path", ErrFailedToParsePath, func(name string) string {
			return extractor(r, name)
		})
	}
}
