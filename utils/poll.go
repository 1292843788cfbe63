package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by WaitFor when check never succeeded in time.
var ErrWaitTimeout = errors.New("wait timeout")

// WaitFor calls check every interval until it reports done, fails, or the
// timeout or ctx expires. check always runs at least once.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch done, err := check(); {
		case err != nil:
			return err
		case done:
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s (%d attempts)", ErrWaitTimeout, timeout, attempt)
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Sleep blocks for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
