package cache

import "time"

// SetNow overrides the engine clock and returns a restore func.
func SetNow(f func() time.Time) func() {
	prev := now
	now = f
	return func() { now = prev }
}
