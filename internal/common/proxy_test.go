package common

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func proxyRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &http.Request{URL: u}
}

func TestProxyFuncNoConfigIsDirect(t *testing.T) {
	fn := ProxyConfig{}.ProxyFunc()
	proxy, err := fn(proxyRequest(t, "https://example.com/page"))
	require.NoError(t, err)
	require.Nil(t, proxy)
}

func TestProxyFuncPicksFromConfiguredList(t *testing.T) {
	cfg := ProxyConfig{
		HTTPProxy:  "http://proxy-a:3128, http://proxy-b:3128",
		HTTPSProxy: "http://secure-proxy:3128",
	}
	fn := cfg.ProxyFunc()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		proxy, err := fn(proxyRequest(t, "http://example.com/"))
		require.NoError(t, err)
		require.NotNil(t, proxy)
		seen[proxy.Host] = true
	}
	require.True(t, seen["proxy-a:3128"] || seen["proxy-b:3128"])

	proxy, err := fn(proxyRequest(t, "https://example.com/"))
	require.NoError(t, err)
	require.Equal(t, "secure-proxy:3128", proxy.Host)
}

func TestProxyFuncHonorsNoProxy(t *testing.T) {
	cfg := ProxyConfig{
		HTTPProxy: "http://proxy:3128",
		NoProxy:   "internal.corp, localhost",
	}
	fn := cfg.ProxyFunc()

	proxy, err := fn(proxyRequest(t, "http://internal.corp/api"))
	require.NoError(t, err)
	require.Nil(t, proxy)

	proxy, err = fn(proxyRequest(t, "http://svc.internal.corp/api"))
	require.NoError(t, err)
	require.Nil(t, proxy, "no_proxy entries match subdomains by suffix")

	proxy, err = fn(proxyRequest(t, "http://external.example/"))
	require.NoError(t, err)
	require.NotNil(t, proxy)
}
