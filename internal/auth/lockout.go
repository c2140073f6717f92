package auth

import "time"

// Decision is the outcome of evaluating the lockout policy for one attempt.
type Decision struct {
	Allow           bool
	LockedRemaining time.Duration
	// AttemptsRemaining counts failures left before the next lock.
	AttemptsRemaining int
}

// EvaluateLockout is a pure function of the account's failure bookkeeping and
// now. An elapsed lock allows the attempt and restores the full budget.
func EvaluateLockout(failedAttempts, maxAttempts int, lockedUntil *time.Time, now time.Time) Decision {
	if lockedUntil != nil {
		if now.Before(*lockedUntil) {
			return Decision{Allow: false, LockedRemaining: lockedUntil.Sub(now)}
		}
		return Decision{Allow: true, AttemptsRemaining: maxAttempts}
	}
	left := maxAttempts - failedAttempts
	if left < 0 {
		left = 0
	}
	return Decision{Allow: true, AttemptsRemaining: left}
}

// LockoutPolicy binds the configured thresholds.
type LockoutPolicy struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	Duration    time.Duration `env:"DURATION" envDefault:"30m"`
}

// DefaultLockoutPolicy is 5 attempts, 30 minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute}
}

func (p LockoutPolicy) Evaluate(failedAttempts int, lockedUntil *time.Time, now time.Time) Decision {
	return EvaluateLockout(failedAttempts, p.MaxAttempts, lockedUntil, now)
}
