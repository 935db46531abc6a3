package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// supportedAssetMimePrefixes are the content types that trigger the
// link -> asset morph.
var supportedAssetMimePrefixes = []string{"application/pdf", "image/"}

// ContentTypeProber performs the bounded GET probe and morph decision,
// wrapped in a circuit breaker so a host returning consistent transport
// failures doesn't tie up worker goroutines on every dequeue.
type ContentTypeProber struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewContentTypeProber(client *http.Client) *ContentTypeProber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ContentTypeProber{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "content-type-probe",
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

// Probe performs a bounded GET (spec says "short GET... reads the
// Content-Type header") and returns the content type and whether the
// body should be morphed into an asset bookmark.
func (p *ContentTypeProber) Probe(ctx context.Context, url string) (contentType string, isAsset bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		req, rerr := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if rerr != nil {
			return nil, rerr
		}
		resp, rerr := p.client.Do(req)
		if rerr != nil {
			return nil, rerr
		}
		defer resp.Body.Close()
		return resp.Header.Get("Content-Type"), nil
	})
	if err != nil {
		return "", false, fmt.Errorf("content-type probe: %w", err)
	}

	ct := result.(string)
	lower := strings.ToLower(ct)
	for _, prefix := range supportedAssetMimePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ct, true, nil
		}
	}
	return ct, false, nil
}
