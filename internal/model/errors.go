package model

import "fmt"

// AuthError means the session is unusable and re-login failed or is required.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means an endpoint-class budget stayed exhausted past the
// caller's timeout. Recoverable; the caller may retry later.
type RateLimitError struct {
	Class string
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded for " + e.Class
}

// TransportError is a network or broker-side failure that survived the
// gateway's bounded retries.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transport: status %d", e.Status)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError is an unresolvable symbol. Never retried.
type NotFoundError struct {
	Symbol string
}

func (e *NotFoundError) Error() string {
	return "instrument not found: " + e.Symbol
}
