package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeAPIError struct {
	status      int
	rateLimited bool
	lines       bool
}

func (e *fakeAPIError) Error() string        { return fmt.Sprintf("status %d", e.status) }
func (e *fakeAPIError) HTTPStatus() int      { return e.status }
func (e *fakeAPIError) IsRateLimited() bool  { return e.rateLimited }
func (e *fakeAPIError) IsLineMismatch() bool { return e.lines }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, None},
		{"server error", &fakeAPIError{status: 502}, Transient},
		{"rate limited 403", &fakeAPIError{status: 403, rateLimited: true}, Transient},
		{"too many requests", &fakeAPIError{status: 429}, Transient},
		{"unauthorized", &fakeAPIError{status: 401}, Terminal},
		{"forbidden", &fakeAPIError{status: 403}, Terminal},
		{"not found", &fakeAPIError{status: 404}, Terminal},
		{"line mismatch", &fakeAPIError{status: 422, lines: true}, LineMismatch},
		{"unprocessable", &fakeAPIError{status: 422}, Terminal},
		{"wrapped api error", fmt.Errorf("create comment: %w", &fakeAPIError{status: 500}), Transient},
		{"connection reset", &url.Error{Op: "Post", URL: "https://api", Err: syscall.ECONNRESET}, Network},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.github.com"}, Network},
		{"timeout", &url.Error{Op: "Post", URL: "https://api", Err: timeoutErr{}}, Network},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), Network},
		{"deadline", context.DeadlineExceeded, Network},
		{"canceled", fmt.Errorf("post: %w", context.Canceled), Terminal},
		{"anything else", errors.New("malformed"), Terminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicyNext(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name       string
		state      State
		class      Class
		wantAction Action
		wantDelay  time.Duration
		wantState  State
	}{
		{"transient first time waits", State{Geometry: 1}, Transient, Retry, 500 * time.Millisecond, State{Geometry: 1, TransientRetries: 1}},
		{"transient twice stops", State{Geometry: 1, TransientRetries: 1}, Transient, Stop, 0, State{Geometry: 1, TransientRetries: 1}},
		{"network retries immediately", State{Geometry: 2}, Network, Retry, 0, State{Geometry: 2, NetworkRetries: 1}},
		{"network budget spent", State{Geometry: 1, NetworkRetries: 2}, Network, Stop, 0, State{Geometry: 1, NetworkRetries: 2}},
		{"terminal stops", State{Geometry: 1}, Terminal, Stop, 0, State{Geometry: 1}},
		{"line mismatch advances", State{Geometry: 1, TransientRetries: 1}, LineMismatch, NextGeometry, 0, State{Geometry: 2}},
		{"line mismatch on second advances", State{Geometry: 2}, LineMismatch, NextGeometry, 0, State{Geometry: 3}},
		{"line mismatch on third stops", State{Geometry: 3}, LineMismatch, Stop, 0, State{Geometry: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, st := p.Next(tt.state, tt.class)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantDelay, d.Delay)
			assert.Equal(t, tt.class, d.Class)
			assert.Equal(t, tt.wantState, st)
		})
	}
}

func TestExponentialDelay(t *testing.T) {
	base, max := 10*time.Second, 10*time.Minute
	assert.Equal(t, 10*time.Second, ExponentialDelay(1, base, max))
	assert.Equal(t, 20*time.Second, ExponentialDelay(2, base, max))
	assert.Equal(t, 40*time.Second, ExponentialDelay(3, base, max))
	assert.Equal(t, 10*time.Minute, ExponentialDelay(12, base, max))
	assert.Equal(t, base, ExponentialDelay(0, base, max))
}
