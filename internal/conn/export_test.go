package conn

import "time"

// BackoffDelay exposes the backoff schedule for tests.
func (s *Supervisor) BackoffDelay(n int) time.Duration {
	return s.backoffDelay(n)
}
