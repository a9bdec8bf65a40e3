package gateway

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// backendTransport is shared by all reverse proxies. Connection pooling is
// per target address, bounded so a slow backend cannot hold the pool.
var backendTransport http.RoundTripper = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
}

// proxyFor returns the cached reverse proxy for a backend address.
func (rt *Router) proxyFor(address string) *httputil.ReverseProxy {
	if p, ok := rt.proxies.Load(address); ok {
		return p.(*httputil.ReverseProxy)
	}

	backend := &url.URL{Scheme: "http", Host: address}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:     backendTransport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.logger.Error("backend request failed",
				"backend", address, "host", r.Host, "path", r.URL.Path, "error", err)
			rt.recordRouteError("backend")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}

	actual, _ := rt.proxies.LoadOrStore(address, proxy)
	return actual.(*httputil.ReverseProxy)
}

// hostOnly strips an optional port from a host header value.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(hostport, ".")
}
