package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
)

// RetryOnConflict runs fn, retrying with bounded exponential backoff while
// it fails with ErrStorageConflict. Any other error aborts immediately. The
// engine's event handlers are written to be replay-safe, so retrying the
// whole handler is always sound.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrStorageConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
