package dedup

import "errors"

var (
	// ErrInvalidRecord is returned when no dedup key can be derived from a transaction.
	ErrInvalidRecord = errors.New("invalid transaction record")

	// ErrConditionFailed is returned by a Store when a live record already holds the key.
	// The gate turns it into a duplicate result; it never reaches callers of Claim.
	ErrConditionFailed = errors.New("conditional write rejected")

	// ErrStoreUnavailable wraps any other store failure (timeout, throttling, unreachable).
	ErrStoreUnavailable = errors.New("dedup store unavailable")
)
