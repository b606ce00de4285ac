package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// DefaultTransient classifies network-timeout and connection-loss style
// errors as retryable. It deliberately does not classify payload-decoding
// errors: spec.md §9 Open Question 1 calls that taxonomy handler-specific
// and asks the core not to bake it in. Callers that want a payload-parse
// class treated as transient should compose their own TransientFn, e.g. by
// Or-ing DefaultTransient with a predicate over their own decode-error type.
func DefaultTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"EOF",
		"i/o timeout",
		"no route to host",
		"channel/connection is not open",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Or returns a TransientFn that classifies err as transient if any of fns
// does, letting callers extend DefaultTransient with handler-specific
// classes without modifying the core predicate.
func Or(fns ...TransientFn) TransientFn {
	return func(err error) bool {
		for _, fn := range fns {
			if fn != nil && fn(err) {
				return true
			}
		}
		return false
	}
}
