package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	t.Run("should allow everything when disabled", func(t *testing.T) {
		l := newRateLimiter(0)
		assert.Nil(t, l)
		for i := 0; i < 100; i++ {
			ok, _ := l.allow("1.2.3.4")
			assert.True(t, ok)
		}
	})

	t.Run("should slide the window per host", func(t *testing.T) {
		now := time.Unix(1000, 0)
		l := newRateLimiter(2)
		l.now = func() time.Time { return now }

		ok, _ := l.allow("a")
		assert.True(t, ok)
		now = now.Add(10 * time.Second)
		ok, _ = l.allow("a")
		assert.True(t, ok)

		ok, wait := l.allow("a")
		assert.False(t, ok)
		assert.Equal(t, 50*time.Second, wait)

		ok, _ = l.allow("b")
		assert.True(t, ok, "other hosts keep their own window")

		now = now.Add(50 * time.Second)
		ok, _ = l.allow("a")
		assert.True(t, ok, "oldest hit expired")
	})

	t.Run("should sweep idle hosts", func(t *testing.T) {
		now := time.Unix(1000, 0)
		l := newRateLimiter(5)
		l.now = func() time.Time { return now }
		l.lastSweep = now

		l.allow("idle")
		now = now.Add(rateSweepInterval)
		l.allow("busy")

		l.mu.Lock()
		defer l.mu.Unlock()
		assert.NotContains(t, l.hits, "idle")
		assert.Contains(t, l.hits, "busy")
	})
}

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", remoteHost("127.0.0.1:5555"))
	assert.Equal(t, "::1", remoteHost("[::1]:80"))
	assert.Equal(t, "pipe", remoteHost("pipe"))
}

func TestHTTPServerRateLimit(t *testing.T) {
	srv := NewHTTPServer(HTTPServerConfig{RateLimit: 1, Logger: zerolog.Nop()},
		func(ctx context.Context, action *protocol.Action) *protocol.Response {
			return protocol.OK(nil)
		})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	post := func() *http.Response {
		resp, err := http.Post(ts.URL, "application/json", strings.NewReader(`{"action":"get_status","params":{}}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, post().StatusCode)
	limited := post()
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
}
