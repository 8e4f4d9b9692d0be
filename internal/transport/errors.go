package transport

import (
	"errors"
	"fmt"
	"time"
)

// DeliveryKind classifies a failed send/copy attempt.
//
// The platform's own error set is wider; adapters collapse it into these
// four cases, which is all the delivery loop needs to decide what to do
// with a recipient.
type DeliveryKind int

const (
	// DeliveryBlocked: the recipient has blocked the bot (or deactivated,
	// or never started it). Not retryable.
	DeliveryBlocked DeliveryKind = iota
	// DeliveryRateLimited: the platform asked us to back off; RetryAfter
	// carries the requested pause.
	DeliveryRateLimited
	// DeliveryBadRequest: the request itself was malformed. Not retryable.
	DeliveryBadRequest
	// DeliveryTransient: network or other transient failure.
	DeliveryTransient
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryBlocked:
		return "blocked"
	case DeliveryRateLimited:
		return "rate_limited"
	case DeliveryBadRequest:
		return "bad_request"
	default:
		return "transient"
	}
}

// DeliveryError wraps a platform send failure with its classification.
type DeliveryError struct {
	Kind       DeliveryKind
	RetryAfter time.Duration // only meaningful for DeliveryRateLimited
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Kind == DeliveryRateLimited {
		return fmt.Sprintf("delivery %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("delivery %s: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsBlocked reports whether err is a blocked-by-recipient delivery failure.
func IsBlocked(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryBlocked
}

// RetryAfter extracts the backoff duration from a rate-limit delivery failure.
func RetryAfter(err error) (time.Duration, bool) {
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == DeliveryRateLimited {
		return de.RetryAfter, true
	}
	return 0, false
}
