package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollExhausted is returned by PollAttempts when every attempt was used
// without the check reporting done. Callers wrap it with domain context.
var ErrPollExhausted = errors.New("poll attempts exhausted")

// PollAttempts runs check immediately and then once per interval, up to
// attempts times in total. It stops as soon as check returns (true, nil)
// or an error. When the attempt budget runs out it returns
// ErrPollExhausted; remote convergence loops bound their work by attempt
// count rather than wall clock.
func PollAttempts(ctx context.Context, attempts int, interval time.Duration, check func() (done bool, err error)) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrPollExhausted, attempts)
}
