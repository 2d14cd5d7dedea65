package internal

import (
	"context"
	"time"
)

// Budget counts polling attempts. It can be shared by consecutive polling
// phases so that a later phase only gets what an earlier one left over.
type Budget struct {
	used int
}

// Used returns the number of attempts consumed so far.
func (b *Budget) Used() int {
	return b.used
}

// Sleep waits for d, or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll calls fn until it reports done, returns an error, or the budget reaches
// limit. Every call to fn consumes one attempt, the attempt number passed to fn
// being the number of attempts consumed before it.
//
// With sleepFirst, interval is waited before each call, otherwise between
// calls. Poll returns false without error when the budget is exhausted, and
// ctx.Err() if ctx is done while waiting.
func Poll(ctx context.Context, budget *Budget, limit int, interval time.Duration, sleepFirst bool, fn func(attempt int) (bool, error)) (bool, error) {
	for budget.used < limit {
		if sleepFirst {
			if err := Sleep(ctx, interval); err != nil {
				return false, err
			}
		}

		attempt := budget.used
		budget.used++

		if done, err := fn(attempt); err != nil || done {
			return done, err
		}

		if !sleepFirst && budget.used < limit {
			if err := Sleep(ctx, interval); err != nil {
				return false, err
			}
		}
	}

	return false, nil
}
