package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/binder"
)

type mockResponse struct {
	statusCode int
	body       string
	renderErr  error
}

func (m mockResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if m.renderErr != nil {
		return m.renderErr
	}
	w.WriteHeader(m.statusCode)
	_, _ = w.Write([]byte(m.body))
	return nil
}

type seatsRequest struct {
	Gateway string `path:"gateway"`
	Secret  string `header:"X-Service-Secret"`
	Seats   int    `json:"seats"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handler.ErrorDetail {
	t.Helper()
	var body handler.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return *body.Error
}

func TestWrap(t *testing.T) {
	t.Parallel()

	t.Run("basic handler without options", func(t *testing.T) {
		t.Parallel()
		h := handler.HandlerFunc[handler.Context, string](func(ctx handler.Context, req string) handler.Response {
			assert.NotNil(t, ctx.Request())
			assert.Equal(t, "", req)
			return mockResponse{statusCode: http.StatusOK, body: "success"}
		})

		rec := httptest.NewRecorder()
		handler.Wrap(h)(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", rec.Body.String())
	})

	t.Run("render error is a 500 without details", func(t *testing.T) {
		t.Parallel()
		h := handler.HandlerFunc[handler.Context, string](func(handler.Context, string) handler.Response {
			return mockResponse{renderErr: errors.New("render failed")}
		})

		rec := httptest.NewRecorder()
		handler.Wrap(h)(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "render failed")
		assert.Equal(t, "internal_server_error", decodeError(t, rec).Code)
	})

	t.Run("nil response", func(t *testing.T) {
		t.Parallel()
		var got error
		h := handler.HandlerFunc[handler.Context, string](func(handler.Context, string) handler.Response {
			return nil
		})

		rec := httptest.NewRecorder()
		handler.Wrap(h, handler.WithErrorHandler[handler.Context, string](func(_ handler.Context, err error) {
			got = err
		}))(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.ErrorIs(t, got, handler.ErrNilResponse)
	})

	t.Run("binders run in order and skip inapplicable ones", func(t *testing.T) {
		t.Parallel()
		h := handler.HandlerFunc[handler.Context, seatsRequest](func(_ handler.Context, req seatsRequest) handler.Response {
			return handler.JSON(req)
		})

		wrapped := handler.Wrap(h, handler.WithBinders[handler.Context, seatsRequest](
			binder.Path(func(*http.Request, string) string { return "" }),
			binder.Header(),
			binder.JSON(),
		))

		req := httptest.NewRequest(http.MethodPost, "/internal/grants", bytes.NewBufferString(`{"seats":3}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Service-Secret", "s3cret")
		rec := httptest.NewRecorder()
		wrapped(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var got seatsRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 3, got.Seats)
		assert.Equal(t, "s3cret", got.Secret)
		assert.Empty(t, got.Gateway)
	})

	t.Run("bind failure maps to client error", func(t *testing.T) {
		t.Parallel()
		h := handler.HandlerFunc[handler.Context, seatsRequest](func(handler.Context, seatsRequest) handler.Response {
			t.Fatal("handler must not run")
			return nil
		})

		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"seats":`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.Wrap(h, handler.WithBinder[handler.Context, seatsRequest](binder.JSON()))(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad_request", decodeError(t, rec).Code)
	})

	t.Run("decorators wrap outermost first", func(t *testing.T) {
		t.Parallel()
		var order []string
		mark := func(name string) handler.Decorator[handler.Context, string] {
			return func(next handler.HandlerFunc[handler.Context, string]) handler.HandlerFunc[handler.Context, string] {
				return func(ctx handler.Context, req string) handler.Response {
					order = append(order, name)
					return next(ctx, req)
				}
			}
		}
		h := handler.HandlerFunc[handler.Context, string](func(handler.Context, string) handler.Response {
			order = append(order, "handler")
			return handler.Empty()
		})

		rec := httptest.NewRecorder()
		handler.Wrap(h, handler.WithDecorators(mark("outer"), mark("inner")))(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	})
}
