package executor

import "time"

// RetryPolicy decides how many times a failed command is attempted. It is either Bounded or Unbounded.
type RetryPolicy interface {
	// Delay is the pause after a failed attempt.
	Delay() time.Duration

	// Exhausted reports whether no attempt should follow the given (1-based) attempt.
	Exhausted(attempt int) bool

	retryPolicy()
}

// Bounded gives up after Attempts tries. Attempts < 1 is treated as 1.
type Bounded struct {
	Attempts int
	Wait     time.Duration
}

// Unbounded retries until the command succeeds or the context is cancelled.
type Unbounded struct {
	Wait time.Duration
}

// Once runs a command a single time.
var Once = Bounded{Attempts: 1}

func (b Bounded) Delay() time.Duration { return b.Wait }

func (b Bounded) Exhausted(attempt int) bool { return attempt >= max(b.Attempts, 1) }

func (Bounded) retryPolicy() {}

func (u Unbounded) Delay() time.Duration { return u.Wait }

func (Unbounded) Exhausted(int) bool { return false }

func (Unbounded) retryPolicy() {}
