package repository

import "time"

// BucketSize is a supported aggregation window size.
type BucketSize string

const (
	SizeHourly BucketSize = "1h"
	SizeDaily  BucketSize = "1d"
)

// IsValidBucketSize returns true if s is a supported bucket size.
func IsValidBucketSize(s BucketSize) bool {
	switch s {
	case SizeHourly, SizeDaily:
		return true
	default:
		return false
	}
}

// DefaultBucketSize returns the default bucket size.
func DefaultBucketSize() BucketSize { return SizeHourly }

// NormalizeBucketSize converts a raw string to a valid bucket size (or default).
func NormalizeBucketSize(s string) BucketSize {
	if s == "" {
		return DefaultBucketSize()
	}
	bs := BucketSize(s)
	if IsValidBucketSize(bs) {
		return bs
	}
	return DefaultBucketSize()
}

// Duration returns the window length for the size.
func (s BucketSize) Duration() time.Duration {
	if s == SizeDaily {
		return 24 * time.Hour
	}
	return time.Hour
}
