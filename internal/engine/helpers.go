package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/waloyerr"
)

func busyErr(op string) error {
	return &waloyerr.Error{Kind: waloyerr.KindBusy, Op: fmt.Sprintf("engine.%s", op)}
}

func closedErr(op string) error {
	return &waloyerr.Error{Kind: waloyerr.KindAlreadyClosed, Op: fmt.Sprintf("engine.%s", op)}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindIo, "engine.readFile", err)
	}
	return data, nil
}

// retryBusy retries fn with exponential backoff while it returns
// waloyerr.Busy (SQLITE_BUSY from a concurrent writer holding the
// checkpoint lock), up to maxAttempts total tries. The backoff loop
// itself is common.Retry; this wraps it to stop early on a non-Busy
// error or a cancelled ctx, which common.Retry knows nothing about.
func retryBusy(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	stop := false
	common.Retry(maxAttempts, 50*time.Millisecond, func() error {
		if stop {
			return nil
		}
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, waloyerr.Busy) {
			stop = true
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			stop = true
			return nil
		}
		return lastErr
	})
	return lastErr
}
