package syncqueue

import "time"

// Backoff is the retry schedule: base * 2^(attempt-1), capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next try after the given failed attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next returns the next attempt time after the given failed attempt
func (b Backoff) Next(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}

// Outcome is the scheduling decision after a failed attempt
type Outcome struct {
	Status        Status
	AttemptCount  int
	NextAttemptAt time.Time
}

// Schedule applies one failed attempt to an entry's scheduling state. It is
// pure so retry behaviour can be checked against a simulated clock.
func Schedule(b Backoff, maxAttempts int, attemptsSoFar int, class ErrorClass, now time.Time) Outcome {
	attempts := attemptsSoFar + 1
	if attempts >= maxAttempts {
		return Outcome{Status: StatusPermanentlyFailed, AttemptCount: attempts, NextAttemptAt: now}
	}
	status := StatusPending
	if class == ClassPermanent {
		status = StatusFailed
	}
	return Outcome{Status: status, AttemptCount: attempts, NextAttemptAt: b.Next(now, attempts)}
}
