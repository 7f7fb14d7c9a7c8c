package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// DefaultRetryBackoff is the wait before the single retry.
const DefaultRetryBackoff = 250 * time.Millisecond

// Retry runs fn and retries it once, after base, when the failure looks
// transient. The final error is returned unwrapped.
func Retry(ctx context.Context, stage string, base time.Duration, fn func(ctx context.Context) error) error {
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.CollaboratorRetries.WithLabelValues(stage).Inc()
			slog.Debug("retrying collaborator", "stage", stage, "attempt", attempt)
		}
		err := fn(ctx)
		if err == nil || !Transient(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// Transient reports whether err is worth one more attempt. Cancellation is
// never transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoBackend) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, errPermanent)
}

var errPermanent = errors.New("permanent failure")

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, errPermanent} }
