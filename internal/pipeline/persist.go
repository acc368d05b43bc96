package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cenkalti/backoff/v4"
)

// persistAttempts bounds retries of bookkeeping writes.
const persistAttempts = 4

// persist runs a store write, retrying transient failures with exponential
// backoff. Outcomes the store decided on (not found, terminal, invalid
// transition) are returned immediately.
func persist(ctx context.Context, write func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	op := func() error {
		err := write(ctx)
		if err == nil || isStoreVerdict(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, persistAttempts-1), ctx))
}

func isStoreVerdict(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrTaskTerminal) ||
		errors.Is(err, store.ErrJobTerminal) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrDuplicateKey)
}
