// Package backoff computes retry delays for calls to rate-limited remote APIs.
//
// A Policy is pure configuration. A State is created per logical call and
// consumed by the caller's retry loop:
//
//	st := backoff.NewState(policy)
//	for {
//		err := call()
//		if err == nil || !retryable(err) {
//			return err
//		}
//		d, ok := st.Next(rand.Float64)
//		if !ok {
//			return err
//		}
//		sleep(d)
//	}
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy controls retry delay growth.
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       bool          `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns 3 retries starting at 1s, doubling up to 60s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Validate rejects policies that would produce negative or shrinking delays.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries %d < 0", ErrInvalidPolicy, p.MaxRetries)
	case p.InitialDelay < 0:
		return fmt.Errorf("%w: initial_delay %s < 0", ErrInvalidPolicy, p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: max_delay %s < initial_delay %s", ErrInvalidPolicy, p.MaxDelay, p.InitialDelay)
	case p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0):
		return fmt.Errorf("%w: multiplier %v must be a finite value >= 1", ErrInvalidPolicy, p.Multiplier)
	}
	return nil
}

// Delay returns min(MaxDelay, InitialDelay * Multiplier^attempt), without jitter.
// attempt is zero-based: Delay(0) is the wait before the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jittered returns Delay(attempt) plus a uniform jitter in [0, Delay(attempt)).
// rnd must return values in [0, 1). Without Jitter, or with a nil rnd, it
// returns Delay(attempt).
func (p Policy) Jittered(attempt int, rnd func() float64) time.Duration {
	d := p.Delay(attempt)
	if !p.Jitter || rnd == nil || d <= 0 {
		return d
	}
	f := rnd()
	if f < 0 || f >= 1 {
		f = 0
	}
	return d + time.Duration(f*float64(d))
}

// State tracks the retries consumed by one logical call.
type State struct {
	Policy  Policy
	Attempt int
}

// NewState returns a State with no retries consumed.
func NewState(p Policy) *State {
	return &State{Policy: p}
}

// Next returns the wait before the next retry and advances the counter.
// It reports false once MaxRetries retries have been handed out.
func (s *State) Next(rnd func() float64) (time.Duration, bool) {
	if s.Attempt >= s.Policy.MaxRetries {
		return 0, false
	}
	d := s.Policy.Jittered(s.Attempt, rnd)
	s.Attempt++
	return d, true
}

// Exhausted reports whether no retry is left.
func (s *State) Exhausted() bool {
	return s.Attempt >= s.Policy.MaxRetries
}
