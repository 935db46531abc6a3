package common

import (
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyFunc returns a proxy selector for an http.Transport. Each of the
// configured proxy settings may be a comma-separated list; a random entry
// is picked per call. Hosts matched by no_proxy (exact or
// suffix match per entry) bypass the proxy entirely.
func (p ProxyConfig) ProxyFunc() func(*http.Request) (*url.URL, error) {
	httpProxies := splitProxyList(p.HTTPProxy)
	httpsProxies := splitProxyList(p.HTTPSProxy)
	noProxy := splitProxyList(p.NoProxy)

	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, skip := range noProxy {
			if host == skip || strings.HasSuffix(host, "."+skip) {
				return nil, nil
			}
		}

		list := httpProxies
		if req.URL.Scheme == "https" {
			list = httpsProxies
		}
		if len(list) == 0 {
			return nil, nil
		}
		return url.Parse(list[rand.Intn(len(list))])
	}
}

func splitProxyList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NewHTTPClient builds the outbound HTTP client every crawl-side fetch
// (content-type probe, browserless fetch, banner/video downloads) shares,
// routed through the configured proxies.
func NewHTTPClient(p ProxyConfig, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               p.ProxyFunc(),
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
