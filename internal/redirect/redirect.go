// Package redirect implements the captive HTTP endpoint that intercepted
// port 80 traffic is sent to. Requests for the portal host are proxied to the
// portal backend; everything else is redirected to the portal login page.
// Both carry the client's identity as query parameters.
package redirect

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/ratelimit"
	"github.com/airfi/captivegate/internal/router"
)

// Identity parameter names, in the order they are emitted.
const (
	ParamIP          = "ip"
	ParamMAC         = "mac"
	ParamAgent       = "agent"
	ParamOriginalURL = "original_url"
	ParamHTTPMethod  = "http_method"
	ParamReferer     = "referer"
)

var paramOrder = []string{ParamIP, ParamMAC, ParamAgent, ParamOriginalURL, ParamHTTPMethod, ParamReferer}

// Config describes the portal the redirector points clients at.
type Config struct {
	PortalHost        string // host name the portal is served on
	PortalScheme      string // "http" or "https"
	LoginPath         string // path of the login page, default "/"
	BackendURL        string // where portal-host requests are proxied
	TrustForwardedFor bool   // take the client address from X-Forwarded-For
}

// Identity is the per-request metadata attached to a forward or redirect.
type Identity struct {
	IP          string
	MAC         string
	Agent       string
	OriginalURL string
	HTTPMethod  string
	Referer     string
}

// Redirector is the captive HTTP handler. It keeps no state across requests.
type Redirector struct {
	config   Config
	resolver router.IdentityResolver
	proxy    *httputil.ReverseProxy
	engine   *gin.Engine
	logger   *zap.Logger
}

// New creates a redirector. limiter may be nil.
func New(config Config, resolver router.IdentityResolver, limiter *ratelimit.Limiter, logger *zap.Logger) (*Redirector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PortalHost == "" {
		return nil, fmt.Errorf("portal host not configured")
	}
	if config.PortalScheme == "" {
		config.PortalScheme = "http"
	}
	if config.LoginPath == "" {
		config.LoginPath = "/"
	}

	backend, err := url.Parse(config.BackendURL)
	if err != nil || backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("invalid portal backend url %q", config.BackendURL)
	}

	r := &Redirector{
		config:   config,
		resolver: resolver,
		logger:   logger,
	}

	r.proxy = httputil.NewSingleHostReverseProxy(backend)
	r.proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.logger.Error("portal backend unavailable", zap.String("path", req.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())
	engine.Use(ratelimit.Middleware(limiter, func(c *gin.Context) string {
		return r.clientAddress(c.Request)
	}, logger))
	engine.NoRoute(r.handle)
	r.engine = engine

	return r, nil
}

// ServeHTTP implements http.Handler.
func (r *Redirector) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

func (r *Redirector) handle(c *gin.Context) {
	start := time.Now()
	req := c.Request
	id := r.identify(req)

	if r.isPortalHost(req.Host) {
		r.forward(c.Writer, req, id)
		r.logger.Debug("forwarded to portal",
			zap.String("ip", id.IP),
			zap.String("mac", id.MAC),
			zap.String("path", req.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
		return
	}

	location := r.loginURL(id)
	r.logger.Debug("redirecting to portal",
		zap.String("ip", id.IP),
		zap.String("mac", id.MAC),
		zap.String("host", req.Host),
	)
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, location)
}

// identify builds the request's identity. Resolution failures degrade to
// the unknown sentinel.
func (r *Redirector) identify(req *http.Request) Identity {
	ip := r.clientAddress(req)
	mac := router.UnknownMAC
	if ip != "" && r.resolver != nil {
		mac = r.resolver.Resolve(req.Context(), ip)
	}

	return Identity{
		IP:          ip,
		MAC:         mac,
		Agent:       req.UserAgent(),
		OriginalURL: originalURL(req),
		HTTPMethod:  req.Method,
		Referer:     req.Referer(),
	}
}

// clientAddress returns the normalized client address: the TCP peer, or the
// last X-Forwarded-For hop when that header is trusted.
func (r *Redirector) clientAddress(req *http.Request) string {
	if r.config.TrustForwardedFor {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if ip, err := router.NormalizeAddress(hops[len(hops)-1]); err == nil {
				return ip
			}
		}
	}
	ip, err := router.NormalizeAddress(req.RemoteAddr)
	if err != nil {
		return ""
	}
	return ip
}

func (r *Redirector) isPortalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.EqualFold(strings.TrimSuffix(host, "."), r.config.PortalHost)
}

// loginURL builds the portal redirect target.
func (r *Redirector) loginURL(id Identity) string {
	u := url.URL{
		Scheme:   r.config.PortalScheme,
		Host:     r.config.PortalHost,
		Path:     r.config.LoginPath,
		RawQuery: id.Encode(),
	}
	return u.String()
}

// forward proxies req to the portal backend with the identity appended to
// its query. Identity parameters sent by the client are replaced.
func (r *Redirector) forward(w http.ResponseWriter, req *http.Request, id Identity) {
	out := req.Clone(req.Context())

	query := out.URL.RawQuery
	if query != "" {
		values, err := url.ParseQuery(query)
		spoofed := err != nil
		for _, name := range paramOrder {
			if values.Has(name) {
				values.Del(name)
				spoofed = true
			}
		}
		if spoofed {
			query = values.Encode()
		}
	}
	if query != "" {
		query += "&"
	}
	out.URL.RawQuery = query + id.Encode()

	r.proxy.ServeHTTP(proxyWriter{w}, out)
}

// proxyWriter hides gin's CloseNotify from the reverse proxy. gin's version
// panics when the underlying writer is not an http.CloseNotifier.
type proxyWriter struct {
	http.ResponseWriter
}

// Unwrap lets http.ResponseController reach the flusher underneath.
func (w proxyWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Encode renders the identity as a query string in fixed parameter order.
// original_url and referer are percent-encoded before query encoding.
func (id Identity) Encode() string {
	values := map[string]string{
		ParamIP:          id.IP,
		ParamMAC:         id.MAC,
		ParamAgent:       id.Agent,
		ParamOriginalURL: encodeComponent(id.OriginalURL),
		ParamHTTPMethod:  id.HTTPMethod,
		ParamReferer:     encodeComponent(id.Referer),
	}

	var b strings.Builder
	for i, name := range paramOrder {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(values[name]))
	}
	return b.String()
}

// encodeComponent percent-encodes s for use as a single URL component.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// originalURL reconstructs the absolute URL the client asked for.
func originalURL(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}
	return scheme + "://" + req.Host + uri
}
