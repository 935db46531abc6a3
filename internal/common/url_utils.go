package common

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
)

// ValidateBaseURL validates a bookmark URL and detects local/test URL
// patterns worth surfacing as a warning (not a hard rejection — used on
// bookmark submission, distinct from the stricter navigation guard below).
func ValidateBaseURL(baseURL string, logger arbor.ILogger) (bool, bool, []string, error) {
	warnings := []string{}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return false, false, warnings, fmt.Errorf("invalid URL format: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false, false, warnings, fmt.Errorf("invalid URL scheme: %s (expected http or https)", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return false, false, warnings, fmt.Errorf("URL host is empty")
	}

	isTestURL := false
	host := strings.ToLower(parsedURL.Host)

	switch {
	case strings.HasPrefix(host, "localhost"):
		isTestURL = true
		warnings = append(warnings, fmt.Sprintf("Test URL detected: %s uses localhost", baseURL))
	case strings.HasPrefix(host, "127.0.0.1"):
		isTestURL = true
		warnings = append(warnings, fmt.Sprintf("Test URL detected: %s uses 127.0.0.1", baseURL))
	case strings.HasPrefix(host, "0.0.0.0"):
		isTestURL = true
		warnings = append(warnings, fmt.Sprintf("Test URL detected: %s uses 0.0.0.0", baseURL))
	case strings.HasPrefix(host, "[::1]"):
		isTestURL = true
		warnings = append(warnings, fmt.Sprintf("Test URL detected: %s uses IPv6 localhost [::1]", baseURL))
	}

	if logger != nil {
		logger.Debug().
			Str("base_url", baseURL).
			Bool("is_test_url", isTestURL).
			Strs("warnings", warnings).
			Msg("base URL validation")
	}

	return true, isTestURL, warnings, nil
}

// AllowedSchemes is the navigation guard's scheme allow-list.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// IsNavigationAllowed re-validates a sub-resource URL against the
// navigation guard's allow-list: only http/https schemes, and no private,
// loopback, link-local, or otherwise non-routable address ranges. This
// runs per sub-request inside the page's request interceptor, so it must
// be cheap and allocation-light.
func IsNavigationAllowed(rawURL string) (bool, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, "unparseable URL"
	}
	if !AllowedSchemes[strings.ToLower(parsed.Scheme)] {
		return false, "disallowed scheme: " + parsed.Scheme
	}

	host := parsed.Hostname()
	if host == "" {
		return false, "empty host"
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// DNS resolution happens downstream in the actual HTTP transport;
		// a literal IP host is checked directly, a name that doesn't
		// resolve here is allowed through and will simply fail to connect.
		if ip := net.ParseIP(host); ip != nil {
			if blocked, reason := isBlockedIP(ip); blocked {
				return false, reason
			}
		}
		return true, ""
	}
	for _, ip := range ips {
		if blocked, reason := isBlockedIP(ip); blocked {
			return false, reason
		}
	}
	return true, ""
}

func isBlockedIP(ip net.IP) (bool, string) {
	switch {
	case ip.IsLoopback():
		return true, "loopback address"
	case ip.IsPrivate():
		return true, "private address range"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return true, "link-local address"
	case ip.IsUnspecified():
		return true, "unspecified address"
	case ip.IsMulticast():
		return true, "multicast address"
	}
	return false, ""
}
