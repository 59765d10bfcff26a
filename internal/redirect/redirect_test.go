package redirect

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airfi/captivegate/internal/ratelimit"
	"github.com/airfi/captivegate/internal/router"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, ip string) string {
	if mac, ok := m[ip]; ok {
		return mac
	}
	return router.UnknownMAC
}

func newTestRedirector(t *testing.T, backend string, cfg Config, limiter *ratelimit.Limiter) *Redirector {
	t.Helper()
	cfg.PortalHost = "captive.local"
	cfg.BackendURL = backend
	r, err := New(cfg, mapResolver{"10.0.0.7": "aa:bb:cc:dd:ee:ff"}, limiter, nil)
	require.NoError(t, err)
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRedirect_NonPortalHost(t *testing.T) {
	r := newTestRedirector(t, "http://127.0.0.1:5000", Config{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/path?q=1", nil)
	req.Host = "example.com"
	req.RemoteAddr = "10.0.0.5:51234"
	req.Header.Set("User-Agent", "curl/8.0")

	w := serve(r, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t,
		"http://captive.local/?ip=10.0.0.5&mac=unknown&agent=curl%2F8.0"+
			"&original_url=http%253A%252F%252Fexample.com%252Fpath%253Fq%253D1&http_method=GET&referer=",
		w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRedirect_DecodesToOriginal(t *testing.T) {
	r := newTestRedirector(t, "http://127.0.0.1:5000", Config{PortalScheme: "https", LoginPath: "/login"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/a%20b?x=1&y=2", nil)
	req.Host = "example.com:8080"
	req.RemoteAddr = "[::ffff:10.0.0.7]:4444"
	req.Header.Set("Referer", "http://example.com/start page")

	w := serve(r, req)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https", loc.Scheme)
	assert.Equal(t, "captive.local", loc.Host)
	assert.Equal(t, "/login", loc.Path)

	q := loc.Query()
	assert.Equal(t, "10.0.0.7", q.Get("ip"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", q.Get("mac"))
	assert.Equal(t, "POST", q.Get("http_method"))

	original, err := url.QueryUnescape(q.Get("original_url"))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com:8080/a%20b?x=1&y=2", original)

	referer, err := url.QueryUnescape(q.Get("referer"))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/start page", referer)
}

func TestForward_PortalHost(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req
		io.WriteString(w, "portal")
	}))
	defer backend.Close()

	r := newTestRedirector(t, backend.URL, Config{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/login?lang=en&ip=6.6.6.6", nil)
	req.Host = "Captive.Local:80"
	req.RemoteAddr = "10.0.0.7:1234"

	w := serve(r, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "portal", w.Body.String())
	require.NotNil(t, got)
	assert.Equal(t, "/login", got.URL.Path)

	q := got.URL.Query()
	assert.Equal(t, "en", q.Get("lang"))
	assert.Equal(t, []string{"10.0.0.7"}, q["ip"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", q.Get("mac"))
	assert.Equal(t, "GET", q.Get("http_method"))
}

func TestForward_ThroughServer(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req
		io.WriteString(w, "portal")
	}))
	defer backend.Close()

	srv := httptest.NewServer(newTestRedirector(t, backend.URL, Config{}, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/login?x=1", nil)
	require.NoError(t, err)
	req.Host = "captive.local"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "portal", string(body))
	require.NotNil(t, got)
	assert.True(t, strings.HasPrefix(got.URL.RawQuery, "x=1&ip=127.0.0.1&mac=unknown&"), got.URL.RawQuery)
}

func TestForward_BackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	r := newTestRedirector(t, addr, Config{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "captive.local"
	assert.Equal(t, http.StatusBadGateway, serve(r, req).Code)
}

func TestClientAddress_ForwardedFor(t *testing.T) {
	untrusted := newTestRedirector(t, "http://127.0.0.1:5000", Config{}, nil)
	trusted := newTestRedirector(t, "http://127.0.0.1:5000", Config{TrustForwardedFor: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9000"
	req.Header.Set("X-Forwarded-For", "6.6.6.6, 10.0.0.5")

	assert.Equal(t, "127.0.0.1", untrusted.clientAddress(req))
	assert.Equal(t, "10.0.0.5", trusted.clientAddress(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "127.0.0.1", trusted.clientAddress(req))
}

func TestRedirect_RateLimited(t *testing.T) {
	r := newTestRedirector(t, "http://127.0.0.1:5000", Config{}, ratelimit.New(0.001, 1))

	newReq := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = "example.com"
		req.RemoteAddr = ip + ":1000"
		return req
	}

	assert.Equal(t, http.StatusFound, serve(r, newReq("10.0.0.5")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, newReq("10.0.0.5")).Code)
	assert.Equal(t, http.StatusFound, serve(r, newReq("10.0.0.6")).Code)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BackendURL: "http://127.0.0.1:5000"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{PortalHost: "captive.local", BackendURL: "not a url"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestIdentityEncode_FixedOrder(t *testing.T) {
	id := Identity{
		IP:          "10.0.0.5",
		MAC:         "unknown",
		Agent:       "Mozilla/5.0 (X11)",
		OriginalURL: "http://a.test/?k=v w",
		HTTPMethod:  "GET",
		Referer:     "",
	}
	assert.Equal(t,
		"ip=10.0.0.5&mac=unknown&agent=Mozilla%2F5.0+%28X11%29"+
			"&original_url=http%253A%252F%252Fa.test%252F%253Fk%253Dv%2520w&http_method=GET&referer=",
		id.Encode())
}
