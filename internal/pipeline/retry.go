package pipeline

import (
	"context"
	"fmt"
	"time"
)

const (
	classifyAttempts    = 3
	classifyBackoffBase = 1 * time.Second
	classifyBackoffCap  = 30 * time.Second
)

// classifyWithRetry calls the classifier with exponential backoff. Returns
// the error from the final attempt once retries exhaust; cancellation cuts
// the wait short.
func (r *Runner) classifyWithRetry(ctx context.Context, text string) (string, error) {
	var lastErr error
	backoff := classifyBackoffBase

	for attempt := 1; attempt <= classifyAttempts; attempt++ {
		category, err := r.classifier.Classify(ctx, text)
		if err == nil {
			return category, nil
		}
		lastErr = err

		if attempt == classifyAttempts {
			break
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		r.logger.Warn("classifier attempt failed",
			"attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		backoff *= 2
		if backoff > classifyBackoffCap {
			backoff = classifyBackoffCap
		}
	}

	return "", lastErr
}
