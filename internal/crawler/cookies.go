package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Cookie is one entry of the browser_cookie_path JSON file. Every
// context the pool opens gets the full set injected before navigation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

var validSameSite = map[string]network.CookieSameSite{
	"Strict": network.CookieSameSiteStrict,
	"Lax":    network.CookieSameSiteLax,
	"None":   network.CookieSameSiteNone,
}

// LoadCookieFile reads and validates a cookie file. Any malformed entry
// is an error; the caller aborts crawler initialization on it.
func LoadCookieFile(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file %s: %w", path, err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("parse cookie file %s: %w", path, err)
	}
	for i, c := range cookies {
		if c.Name == "" {
			return nil, fmt.Errorf("cookie file %s: entry %d has no name", path, i)
		}
		if c.Value == "" {
			return nil, fmt.Errorf("cookie file %s: entry %d (%s) has no value", path, i, c.Name)
		}
		if c.SameSite != "" {
			if _, ok := validSameSite[c.SameSite]; !ok {
				return nil, fmt.Errorf("cookie file %s: entry %d (%s) has invalid same_site %q", path, i, c.Name, c.SameSite)
			}
		}
	}
	return cookies, nil
}

// setCookiesAction injects the configured cookies into a freshly opened
// browser context, before the pipeline navigates anywhere in it.
func setCookiesAction(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.SameSite != "" {
				p.SameSite = validSameSite[c.SameSite]
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p.Expires = &exp
			}
			params = append(params, p)
		}
		return network.SetCookies(params).Do(ctx)
	})
}
