// Package retry classifies errors from external calls and decides what to do
// next, independent of the call itself.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

type Class string

const (
	None         Class = ""
	Terminal     Class = "terminal"
	Transient    Class = "transient"
	Network      Class = "network"
	LineMismatch Class = "line_mismatch"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RateLimitSignal is implemented by errors that know whether the remote asked
// the caller to slow down.
type RateLimitSignal interface {
	IsRateLimited() bool
}

// LinePositionSignal is implemented by errors that know whether a comment was
// rejected because its line range does not fit the diff.
type LinePositionSignal interface {
	IsLineMismatch() bool
}

// Classify maps an error to a retry class. Cancellation of the caller's context
// is terminal; a timeout of a single request is a network failure.
func Classify(err error) Class {
	if err == nil {
		return None
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}

	var lm LinePositionSignal
	if errors.As(err, &lm) && lm.IsLineMismatch() {
		return LineMismatch
	}
	var rl RateLimitSignal
	if errors.As(err, &rl) && rl.IsRateLimited() {
		return Transient
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	if isNetworkError(err) {
		return Network
	}
	return Terminal
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Terminal
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
