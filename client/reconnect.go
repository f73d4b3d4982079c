package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ConnState is the connection lifecycle state the reconnection controller
// moves through.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrAttemptsExhausted is returned once the retry budget for a single outage
// is spent.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// BackoffPolicy bounds reconnection: exponential delays from InitialDelay
// doubling to MaxDelay, at most MaxAttempts dials per outage.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// DelayFor returns the pause after the attempt-th failed dial (1-based).
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Reconnector owns the connection lifecycle state machine. It dials, waits
// for the owner to report transport loss, and dials again under the backoff
// policy until the context is cancelled or the budget runs out.
type Reconnector struct {
	policy      BackoffPolicy
	dial        func(ctx context.Context) error
	onConnected func(first bool)
	onState     func(ConnState)

	// sleep is swappable so tests observe delays instead of waiting them.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state ConnState
}

func NewReconnector(policy BackoffPolicy, dial func(context.Context) error, onConnected func(bool), onState func(ConnState)) *Reconnector {
	return &Reconnector{
		policy:      policy,
		dial:        dial,
		onConnected: onConnected,
		onState:     onState,
		sleep:       sleepCtx,
	}
}

// Run drives the lifecycle until ctx is cancelled or an outage exhausts the
// retry budget. lost must receive once per transport loss.
func (r *Reconnector) Run(ctx context.Context, lost <-chan struct{}) error {
	first := true
	for {
		if first {
			r.setState(StateConnecting)
		} else {
			r.setState(StateReconnecting)
		}

		if err := r.connectWithRetry(ctx); err != nil {
			r.setState(StateDisconnected)
			return err
		}

		r.setState(StateConnected)
		if r.onConnected != nil {
			r.onConnected(first)
		}
		first = false

		select {
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return ctx.Err()
		case <-lost:
		}
	}
}

func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) connectWithRetry(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.dial(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.policy.MaxAttempts {
			return ErrAttemptsExhausted
		}
		if err := r.sleep(ctx, r.policy.DelayFor(attempt)); err != nil {
			return err
		}
	}
}

func (r *Reconnector) setState(s ConnState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if changed && r.onState != nil {
		r.onState(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
