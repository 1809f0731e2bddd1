// Package notify tells the reconciler that the host file may have changed.
package notify

import "sync/atomic"

// Signal is a level-triggered "may have changed" flag with a wake-up
// channel. Any number of Set calls before a TestAndClear collapse into one.
type Signal struct {
	flag atomic.Bool
	ch   chan struct{}
}

// NewSignal creates a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set raises the flag and wakes a waiter, if any.
func (s *Signal) Set() {
	s.flag.Store(true)
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// TestAndClear reports whether the flag was raised and lowers it.
func (s *Signal) TestAndClear() bool {
	if !s.flag.Swap(false) {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	return true
}

// C delivers a value after Set. Receiving from it does not clear the flag;
// call TestAndClear.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
