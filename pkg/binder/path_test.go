package binder_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/binder"
)

type webhookParams struct {
	Gateway        string `path:"gateway"`
	IdempotencyKey string `header:"Idempotency-Key"`
	Attempt        *int   `header:"X-Attempt"`
	Ignored        string
}

func TestPath(t *testing.T) {
	t.Parallel()

	params := map[string]string{"gateway": "stripe"}
	extract := func(_ *http.Request, name string) string { return params[name] }

	t.Run("binds tagged fields", func(t *testing.T) {
		t.Parallel()
		var got webhookParams
		require.NoError(t, binder.Path(extract)(httptest.NewRequest(http.MethodPost, "/", nil), &got))
		assert.Equal(t, "stripe", got.Gateway)
		assert.Empty(t, got.Ignored)
	})

	t.Run("nothing to bind", func(t *testing.T) {
		t.Parallel()
		var got webhookParams
		empty := func(*http.Request, string) string { return "" }
		err := binder.Path(empty)(httptest.NewRequest(http.MethodPost, "/", nil), &got)
		assert.ErrorIs(t, err, binder.ErrBinderNotApplicable)
	})

	t.Run("non pointer target", func(t *testing.T) {
		t.Parallel()
		err := binder.Path(extract)(httptest.NewRequest(http.MethodPost, "/", nil), webhookParams{})
		assert.ErrorIs(t, err, binder.ErrFailedToParsePath)
	})
}

func TestHeader(t *testing.T) {
	t.Parallel()

	t.Run("binds headers", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("idempotency-key", "evt_1")
		req.Header.Set("X-Attempt", "3")

		var got webhookParams
		require.NoError(t, binder.Header()(req, &got))
		assert.Equal(t, "evt_1", got.IdempotencyKey)
		require.NotNil(t, got.Attempt)
		assert.Equal(t, 3, *got.Attempt)
	})

	t.Run("invalid number", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Attempt", "third")

		var got webhookParams
		assert.ErrorIs(t, binder.Header()(req, &got), binder.ErrFailedToParseHeader)
	})

	t.Run("no matching headers", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Accept", "application/json")

		var got webhookParams
		assert.ErrorIs(t, binder.Header()(req, &got), binder.ErrBinderNotApplicable)
	})
}
