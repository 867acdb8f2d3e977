// Package client is the desktop-side companion to the license server: a
// small HTTP client with retry policies, offline grant verification against
// a pinned public key, and revocation checks against a cached CRL.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"
)

// RetryPolicy decides, per attempt, whether an operation should run again
// and how long to wait before it does. Policies are pure: the same attempt
// number and outcome always produce the same decision.
type RetryPolicy struct {
	Name        string
	MaxRetries  int
	Delay       func(attempt int) time.Duration
	ShouldRetry func(err error) bool
}

// NetworkPolicy retries connection-level failures and server errors with
// exponential backoff. Client errors (4xx) are never retried; the request
// will not get better by repetition.
func NetworkPolicy() RetryPolicy {
	return RetryPolicy{
		Name:       "network",
		MaxRetries: 3,
		Delay: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		ShouldRetry: func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return status.Code >= 500
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				return true
			}
			return errors.Is(err, syscall.ECONNREFUSED) ||
				errors.Is(err, syscall.ECONNRESET) ||
				errors.Is(err, io.ErrUnexpectedEOF)
		},
	}
}

// ProcessPolicy retries local helper-process launches with a short fixed
// delay; the dominant cost is process startup, not load shedding.
func ProcessPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "process",
		MaxRetries:  2,
		Delay:       func(int) time.Duration { return 500 * time.Millisecond },
		ShouldRetry: func(err error) bool { return err != nil },
	}
}

// FileIOPolicy retries transient file-lock and access-denied conditions
// with a linear delay.
func FileIOPolicy() RetryPolicy {
	return RetryPolicy{
		Name:       "file_io",
		MaxRetries: 3,
		Delay: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * 200 * time.Millisecond
		},
		ShouldRetry: func(err error) bool {
			return errors.Is(err, os.ErrPermission) ||
				errors.Is(err, syscall.EAGAIN) ||
				errors.Is(err, syscall.EBUSY)
		},
	}
}

// StatusError reports a non-2xx HTTP response so policies can distinguish
// server faults from client mistakes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// Do runs op under the policy: sequential attempts, never speculative.
// Each retry is logged with the attempt number, delay, and cause. The wait
// between attempts aborts promptly when ctx is canceled.
func Do(ctx context.Context, logger *slog.Logger, policy RetryPolicy, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !policy.ShouldRetry(err) {
			return err
		}

		delay := policy.Delay(attempt)
		logger.WarnContext(ctx, "retrying after failure",
			slog.String("policy", policy.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("cause", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
