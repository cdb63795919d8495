package index

import "errors"

var (
	// ErrMissingCapture means no stored response exists for a call or record.
	ErrMissingCapture = errors.New("missing capture")
	// ErrMalformedStorage means a stored artifact could not be decoded.
	ErrMalformedStorage = errors.New("malformed storage")
	// ErrNormalizationFailure means a URL could not be canonicalized.
	ErrNormalizationFailure = errors.New("normalization failure")
	// ErrNetworkUnavailable means a passthrough call failed.
	ErrNetworkUnavailable = errors.New("network unavailable")
)
