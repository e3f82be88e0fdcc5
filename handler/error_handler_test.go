package handler_test

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/binder"
	"github.com/dmitrymomot/billsync/pkg/requestid"
)

var errSignature = errors.New("signature mismatch")

func TestNewErrorHandler(t *testing.T) {
	t.Parallel()

	newHandler := func(buf *bytes.Buffer) handler.ErrorHandler[handler.Context] {
		log := slog.New(slog.NewJSONHandler(buf, nil))
		return handler.NewErrorHandler(log, handler.WithClassifier(func(err error) (handler.HTTPError, bool) {
			if errors.Is(err, errSignature) {
				return handler.ErrUnauthorized, true
			}
			return handler.HTTPError{}, false
		}))
	}

	serve := func(eh handler.ErrorHandler[handler.Context], err error) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req = req.WithContext(requestid.WithContext(req.Context(), "req-1"))
		eh(handler.NewContext(rec, req), err)
		return rec
	}

	t.Run("classifier maps domain error", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		rec := serve(newHandler(&buf), errSignature)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		detail := decodeError(t, rec)
		assert.Equal(t, "unauthorized", detail.Code)
		assert.Equal(t, "req-1", detail.RequestID)
		assert.Contains(t, buf.String(), `"level":"WARN"`)
		assert.Contains(t, buf.String(), "signature mismatch")
	})

	t.Run("binder error", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		rec := serve(newHandler(&buf), binder.ErrUnsupportedMediaType)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("unknown error is logged at error level", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		rec := serve(newHandler(&buf), errors.New("connection reset"))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection reset")
		assert.Contains(t, buf.String(), `"level":"ERROR"`)
	})
}
