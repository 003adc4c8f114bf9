// A thin wrapper over the system clock which can be implemented for use in tests.
// The protocol unit of time is nanoseconds since the epoch.
package clock

import "time"

type Clock interface {
	CurrentTimeNano() int64
	CurrentTimeMs() int64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeNano() int64 {
	return time.Now().UnixNano()
}

func (sc *systemClock) CurrentTimeMs() int64 {
	return sc.CurrentTimeNano() / 1000000
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}
