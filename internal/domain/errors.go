package domain

import "errors"

// ErrorKind classifies acquisition and address failures recorded in State.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderFailed    ErrorKind = "provider_failed"
	KindProviderDenied    ErrorKind = "provider_denied"
	KindResolveFailed     ErrorKind = "resolve_failed"
	KindTimedOut          ErrorKind = "timed_out"
)

// Sentinel errors returned by collaborators. Wrap them with fmt.Errorf("...: %w")
// to add detail; KindOf unwraps.
var (
	ErrProviderTransient = errors.New("position temporarily unknown")
	ErrProviderFailed    = errors.New("position provider failed")
	ErrProviderDenied    = errors.New("position provider access denied")
	ErrResolveFailed     = errors.New("address lookup failed")
	ErrTimedOut          = errors.New("no position fix before timeout")
	ErrNoFix             = errors.New("no position fix acquired")
)

// KindOf maps an error to its ErrorKind. Unclassified errors count as provider failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ErrProviderDenied):
		return KindProviderDenied
	case errors.Is(err, ErrResolveFailed):
		return KindResolveFailed
	case errors.Is(err, ErrTimedOut):
		return KindTimedOut
	default:
		return KindProviderFailed
	}
}

// Terminal reports whether the kind ends an acquisition session.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindProviderFailed, KindProviderDenied, KindTimedOut:
		return true
	default:
		return false
	}
}
