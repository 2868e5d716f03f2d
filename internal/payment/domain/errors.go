package domain

import "errors"

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")

	// ErrEventIgnored marks event types the pipeline deliberately does
	// not act on. The webhook surface still acknowledges them.
	ErrEventIgnored = errors.New("event_ignored")

	// Resolution errors: the payload was authentic and well formed but
	// cannot be tied to an order. These are acknowledged, not retried.
	ErrMissingIdentifier  = errors.New("missing_identifier")
	ErrMissingProductSlug = errors.New("missing_product_slug")
)

// IsResolutionErr reports whether err is a resolution failure that the
// webhook surface should acknowledge with 200.
func IsResolutionErr(err error) bool {
	return errors.Is(err, ErrMissingIdentifier) || errors.Is(err, ErrMissingProductSlug)
}
