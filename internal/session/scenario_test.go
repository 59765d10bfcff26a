package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airfi/captivegate/internal/db"
	"github.com/airfi/captivegate/internal/redirect"
	"github.com/airfi/captivegate/internal/router"
)

// TestCaptiveLoginLifecycle walks one client through redirect, login,
// portal access and expiry.
func TestCaptiveLoginLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	portalHits := 0
	var portalQuery url.Values
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		portalHits++
		portalQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	resolver := router.NewNeighborResolver(env.fake, "wlan0", 0, nil)
	rd, err := redirect.New(redirect.Config{PortalHost: "captive.local", BackendURL: backend.URL}, resolver, nil, nil)
	require.NoError(t, err)

	request := func(host string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = host
		req.RemoteAddr = "10.0.0.5:40000"
		w := httptest.NewRecorder()
		rd.ServeHTTP(w, req)
		return w
	}

	// Unauthenticated request to another host is sent to the portal.
	w := request("example.com")
	require.Equal(t, http.StatusFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "http://captive.local/?ip=10.0.0.5&mac=unknown&"))

	// Login.
	s, err := env.manager.Activate(ctx, ActivateRequest{
		UserID: "alice",
		Device: db.Device{IP: "10.0.0.5", MAC: router.UnknownMAC},
	})
	require.NoError(t, err)
	active, err := env.manager.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)
	assert.True(t, env.granted(t, "10.0.0.5"))

	// The portal itself is proxied, not redirected.
	w = request("captive.local")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, portalHits)
	assert.Equal(t, "10.0.0.5", portalQuery.Get("ip"))
	assert.Equal(t, router.UnknownMAC, portalQuery.Get("mac"))

	// After the TTL the sweep revokes access.
	env.clock = env.clock.Add(time.Hour + time.Second)
	n, err := env.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, env.granted(t, "10.0.0.5"))

	ended, err := env.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusInactive, ended.Status)

	w = request("example.com")
	assert.Equal(t, http.StatusFound, w.Code)
}
