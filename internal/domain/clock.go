package domain

import "github.com/jonboulle/clockwork"

// clock stamps tagged locations so tests can freeze CreatedAt via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for tagging. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}
