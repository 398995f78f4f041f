// Package timeutil provides a small clock abstraction so components that
// depend on wall-clock time can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time. Production code uses Default; tests
// substitute a fixed or stepped implementation.
type Provider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realTime{} }
