package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Action int

const (
	// Stop gives up on the comment.
	Stop Action = iota
	// Retry sends the same attempt again after Decision.Delay.
	Retry
	// NextGeometry moves to the next line-position candidate.
	NextGeometry
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case NextGeometry:
		return "next_geometry"
	default:
		return "stop"
	}
}

// Policy is the retry table for one comment.
type Policy struct {
	TransientDelay      time.Duration
	MaxTransientRetries int
	MaxNetworkRetries   int
	MaxGeometries       int
}

func DefaultPolicy() Policy {
	return Policy{
		TransientDelay:      500 * time.Millisecond,
		MaxTransientRetries: 1,
		MaxNetworkRetries:   2,
		MaxGeometries:       3,
	}
}

// State counts what has been spent on the current comment. Retry counters are
// per geometry.
type State struct {
	Geometry         int
	TransientRetries int
	NetworkRetries   int
}

func Start() State {
	return State{Geometry: 1}
}

type Decision struct {
	Action Action
	Delay  time.Duration
	// Class is the classification the decision was made on. For Stop it tells
	// why the comment failed.
	Class Class
}

// Next returns the action for an attempt that failed with class and the state
// to continue with.
func (p Policy) Next(st State, class Class) (Decision, State) {
	switch class {
	case None:
		return Decision{Action: Stop, Class: None}, st
	case Transient:
		if st.TransientRetries < p.MaxTransientRetries {
			st.TransientRetries++
			return Decision{Action: Retry, Delay: p.TransientDelay, Class: class}, st
		}
	case Network:
		if st.NetworkRetries < p.MaxNetworkRetries {
			st.NetworkRetries++
			return Decision{Action: Retry, Class: class}, st
		}
	case LineMismatch:
		if st.Geometry < p.MaxGeometries {
			return Decision{Action: NextGeometry, Class: class}, State{Geometry: st.Geometry + 1}
		}
	}
	return Decision{Action: Stop, Class: class}, st
}

// ExponentialDelay returns the delay before retry n (1-based) doubling from
// base and capped at max, without jitter.
func ExponentialDelay(n int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	delay := base
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
