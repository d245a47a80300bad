package backend

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openarchive/storaged/core/common"
)

// defaultRetries is the per-call retry budget for transient backend errors.
// Configuration errors and integrity violations are never retried.
const defaultRetries = 3

func isPermanent(err error) bool {
	switch common.ErrorCode(err) {
	case common.ErrNotFound, common.ErrPermissionDenied, common.ErrChecksumMismatch,
		common.ErrInvalidParameters, common.ErrTimeout:
		return true
	}
	return false
}

// withRetry runs op with exponential backoff until it succeeds, returns a
// permanent error, the retry budget is exhausted, or ctx expires. An
// exhausted budget surfaces as backend_unavailable; an expired context as
// timeout. The pre-operation state is the caller's responsibility.
func withRetry(ctx context.Context, retries int, op func() error) error {
	if retries <= 0 {
		retries = defaultRetries
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	var lastErr error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.NewErrorf(common.ErrTimeout, "backend operation timed out: %v", lastOrSelf(lastErr, err))
	}
	if isPermanent(err) {
		return err
	}
	return common.NewErrorf(common.ErrBackendUnavailable, "backend unreachable after %d attempts: %v", retries+1, lastOrSelf(lastErr, err))
}

func lastOrSelf(last, fallback error) error {
	if last != nil {
		return last
	}
	return fallback
}
