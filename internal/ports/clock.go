package ports

import "time"

// Timer is a cancellable one-shot timer
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the timer was active.
	Stop() bool
}

// Clock abstracts wall-clock time for code that must be testable without sleeping
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}
