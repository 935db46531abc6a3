package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrSchemaInvalid marks a payload that failed schema validation on
// dequeue. The queue runner treats this as terminal (status=completed)
// with an error log, never retried.
var ErrSchemaInvalid = errors.New("payload schema invalid")

// ErrQuotaExceeded marks a non-fatal condition: the specific asset is
// skipped but the crawl continues.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrPolicyBlocked marks a fatal-to-job condition: URL on the navigation
// blocklist, unsupported content type, invalid cookie file.
var ErrPolicyBlocked = errors.New("blocked by policy")

// RetryAfter is the distinguished sentinel a handler raises to request a
// delayed retry that does not consume an attempt — used by the domain
// rate limiter when a host is over budget.
type RetryAfter struct {
	Delay time.Duration
}

func (r *RetryAfter) Error() string {
	return fmt.Sprintf("retry after %s", r.Delay)
}

// AsRetryAfter unwraps err looking for a *RetryAfter sentinel.
func AsRetryAfter(err error) (*RetryAfter, bool) {
	var ra *RetryAfter
	if errors.As(err, &ra) {
		return ra, true
	}
	return nil, false
}
