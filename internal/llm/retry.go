package llm

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RateLimitError is returned by a provider adapter when the upstream API
// responds with a rate-limit status. RetryAfter, when set, overrides the
// computed backoff wait for the next attempt.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Message }

// IsLongWait reports whether the server-advertised wait is long enough that
// retrying automatically isn't worthwhile.
func (e *RateLimitError) IsLongWait() bool {
	return e.RetryAfter > 60*time.Second
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoff
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by MaxAttempts instead
	return b
}

// RetryProvider wraps a provider with automatic retry on transient errors.
type RetryProvider struct {
	inner  Provider
	config RetryConfig
}

// WrapWithRetry wraps a provider with retry logic.
func WrapWithRetry(p Provider, config RetryConfig) Provider {
	return &RetryProvider{inner: p, config: config}
}

func (r *RetryProvider) Name() string             { return r.inner.Name() }
func (r *RetryProvider) Credential() string       { return r.inner.Credential() }
func (r *RetryProvider) Capabilities() Capabilities { return r.inner.Capabilities() }

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		b := backoff.WithContext(r.config.newBackOff(), ctx)
		attempt := 0
		var lastErr error

		for attempt < r.config.MaxAttempts {
			attempt++

			stream, err := r.inner.Stream(ctx, req)
			if err == nil {
				err = r.forwardEvents(ctx, stream, events)
				if err == nil {
					return nil
				}
			}
			if !isRetryable(err) {
				return err
			}
			lastErr = err

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= r.config.MaxAttempts {
				break
			}

			wait := r.waitFor(b, attempt, lastErr)

			events <- Event{
				Type:             EventRetry,
				RetryAttempt:     attempt,
				RetryMaxAttempts: r.config.MaxAttempts,
				RetryWaitSecs:    wait.Seconds(),
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		return lastErr
	}), nil
}

// forwardEvents reads events from the inner stream and forwards them.
// Returns a retryable error if the stream fails with a transient error.
func (r *RetryProvider) forwardEvents(ctx context.Context, stream Stream, events chan<- Event) error {
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if event.Type == EventError && event.Err != nil {
			return event.Err
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitFor picks the next retry delay: a server-advertised Retry-After takes
// priority, otherwise the exponential backoff sequence from b.
func (r *RetryProvider) waitFor(b backoff.BackOff, attempt int, err error) time.Duration {
	if rle, ok := err.(*RateLimitError); ok && rle.RetryAfter > 0 {
		return capDuration(rle.RetryAfter, r.config.MaxBackoff)
	}
	if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
		if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
			return capDuration(time.Duration(secs)*time.Second, r.config.MaxBackoff)
		}
	}
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return r.config.MaxBackoff
	}
	return wait
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// isRetryable returns true if the error is a transient error worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if rle, ok := err.(*RateLimitError); ok {
		return !rle.IsLongWait()
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "high concurrency") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	// Context-overflow errors are a modeling problem, not a transient one;
	// the compaction engine handles these, retrying wastes the attempt budget.
	if isContextOverflowError(err) {
		return false
	}

	return false
}

// isContextOverflowError reports whether err indicates the request exceeded
// the model's input token limit, the trigger the compaction engine watches
// for on top of the proactive ThresholdRatio check.
func isContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "context_length_exceeded") ||
		strings.Contains(errStr, "maximum context length") ||
		strings.Contains(errStr, "input is too long") ||
		strings.Contains(errStr, "exceeds the maximum number of tokens") ||
		strings.Contains(errStr, "prompt is too long")
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)
