package infra

import "time"

// Retry calls predicate up to attempts times, waiting interval between
// tries. Returns true as soon as predicate succeeds, false after the
// last failed attempt.
func Retry(attempts int, interval time.Duration, predicate func() bool) bool {
	for i := 0; i < attempts; i++ {
		if predicate() {
			return true
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return false
}
