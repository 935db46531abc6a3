package models

import "time"

// RateLimitCounter is a sliding-window record of recent call timestamps
// for one (bucket_name, key) pair.
type RateLimitCounter struct {
	ID         string `badgerhold:"key"` // bucket_name + "\x00" + key
	Bucket     string
	Key        string
	Timestamps []time.Time
}
