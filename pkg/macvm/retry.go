package macvm

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrRetriesExhausted is returned when a bounded poll loop gives up.
type ErrRetriesExhausted struct {
	What     string
	Attempts int
	LastErr  error
}

func (e *ErrRetriesExhausted) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s did not succeed after %d attempts: %v", e.What, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s did not succeed after %d attempts", e.What, e.Attempts)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.LastErr }

// retryOp is one attempt of a polled operation. Returning done stops the loop
// successfully. Returning an error records it but keeps polling; only context
// cancellation or attempt exhaustion abort the loop.
type retryOp func(ctx context.Context) (done bool, err error)

// retry is the single poll loop used by every waiting site (VM IP assignment,
// shell readiness, VM shutdown, registry pulls). Fixed interval, bounded
// attempts, cancellable.
func retry(ctx context.Context, what string, maxAttempts int, interval time.Duration, op retryOp) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := op(ctx)
		if done {
			return nil
		}
		if err != nil {
			lastErr = err
			log.WithError(err).WithFields(log.Fields{
				"what":    what,
				"attempt": attempt,
			}).Debug("attempt failed")
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return &ErrRetriesExhausted{What: what, Attempts: maxAttempts, LastErr: lastErr}
}
