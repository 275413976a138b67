package ratelimit

import "time"

// Clock supplies the current time to the limiters so tests can drive refills
// without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
