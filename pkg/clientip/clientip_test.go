package clientip_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/clientip"
)

func TestResolverIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		trusted    []string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "first trusted header wins",
			trusted:    clientip.DefaultHeaders,
			headers:    map[string]string{"CF-Connecting-IP": "203.0.113.195", "X-Forwarded-For": "192.168.1.1"},
			remoteAddr: "10.0.0.1:5000",
			want:       "203.0.113.195",
		},
		{
			name:       "leftmost valid forwarded entry",
			trusted:    clientip.DefaultHeaders,
			headers:    map[string]string{"X-Forwarded-For": "garbage, 198.51.100.178, 10.0.0.1"},
			remoteAddr: "10.0.0.1:5000",
			want:       "198.51.100.178",
		},
		{
			name:       "invalid header falls through",
			trusted:    clientip.DefaultHeaders,
			headers:    map[string]string{"CF-Connecting-IP": "nope", "X-Real-IP": "192.0.2.7"},
			remoteAddr: "10.0.0.1:5000",
			want:       "192.0.2.7",
		},
		{
			name:       "untrusted header ignored",
			trusted:    []string{"x-real-ip"},
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.178"},
			remoteAddr: "10.0.0.1:5000",
			want:       "10.0.0.1",
		},
		{
			name:       "no trusted headers uses remote addr",
			headers:    map[string]string{"X-Real-IP": "192.0.2.7"},
			remoteAddr: "[2001:db8::1]:8080",
			want:       "2001:db8::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "127.0.0.1",
			want:       "127.0.0.1",
		},
		{
			name:       "unparseable remote addr",
			remoteAddr: "pipe",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientip.New(tt.trusted...).IP(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	res := clientip.New("X-Real-IP")
	var seen, key string
	h := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientip.FromContext(r.Context())
		key = res.KeyFunc(r)
	}))

	r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	r.Header.Set("X-Real-IP", "192.0.2.44")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "192.0.2.44", seen)
	assert.Equal(t, "192.0.2.44", key)
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	extract := clientip.LoggerExtractor()

	_, ok := extract(context.Background())
	assert.False(t, ok)

	attr, ok := extract(clientip.WithContext(context.Background(), "192.0.2.1"))
	require.True(t, ok)
	assert.Equal(t, "client_ip", attr.Key)
	assert.Equal(t, "192.0.2.1", attr.Value.String())
}
