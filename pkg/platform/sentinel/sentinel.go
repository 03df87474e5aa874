package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, fetchers and the refresh
// coordinator return these (optionally wrapped) so callers can branch with
// errors.Is instead of matching strings.
//
// - ErrNotFound: certificate id absent from the current snapshot
// - ErrExpired: cached dataset older than the configured timeout
// - ErrUnavailable: remote feed or backing service unreachable
// - ErrInvalidInput: caller supplied an unusable argument (blank id, bad filter)
// - ErrCacheMiss: persistent cache absent, expired or undecodable
// - ErrEmptySnapshot: refusal to persist a dataset with no records
var (
	ErrNotFound      = errors.New("not found")
	ErrExpired       = errors.New("expired")
	ErrUnavailable   = errors.New("unavailable")
	ErrInvalidInput  = errors.New("invalid input")
	ErrCacheMiss     = errors.New("cache miss")
	ErrEmptySnapshot = errors.New("empty snapshot")
)
