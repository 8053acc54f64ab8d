package worker

import (
	"fmt"
	"time"
)

// tryRun attempts to run a function maxAttempts times. If any time the function f succeeds,
// it will return with no error straightaway. Otherwise, it will return the error
func tryRun(maxAttempts int, backoff time.Duration, f func() error) (numAttempts int, lastErr error) {
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		if attempts < maxAttempts {
			time.Sleep(time.Duration(attempts) * backoff) // Linear backoff
		}
	}

	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
