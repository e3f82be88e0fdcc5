package handler_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/handler"
)

func TestJSON(t *testing.T) {
	t.Parallel()

	t.Run("body and status", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		resp := handler.JSON(map[string]string{"url": "https://pay.example.com/s/1"},
			handler.WithJSONStatus(http.StatusCreated),
			handler.WithJSONHeader("Location", "/checkout/sessions/1"),
		)
		require.NoError(t, resp.Render(rec, httptest.NewRequest(http.MethodPost, "/", nil)))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "/checkout/sessions/1", rec.Header().Get("Location"))
		assert.JSONEq(t, `{"url":"https://pay.example.com/s/1"}`, rec.Body.String())
	})
}

func TestJSONError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"http error", handler.ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped http error", fmt.Errorf("lookup: %w", handler.ErrUnauthorized), http.StatusUnauthorized, "unauthorized"},
		{"joined http error", errors.Join(handler.NewHTTPError(http.StatusConflict, "conflict"), errors.New("dup")), http.StatusConflict, "conflict"},
		{"plain error", errors.New("db down"), http.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			require.NoError(t, handler.JSONError(tt.err).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)))

			assert.Equal(t, tt.status, rec.Code)
			var body handler.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotContains(t, rec.Body.String(), "db down")
		})
	}
}

func TestEmpty(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	require.NoError(t, handler.Empty().Render(rec, httptest.NewRequest(http.MethodDelete, "/", nil)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, handler.EmptyWithStatus(http.StatusAccepted).Render(rec, httptest.NewRequest(http.MethodPost, "/", nil)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
