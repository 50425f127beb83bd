package extract

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

// RetryPolicy bounds model calls
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration // per attempt
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase << (attempt - 1)
	if d <= 0 || (p.BackoffMax > 0 && d > p.BackoffMax) {
		d = p.BackoffMax
	}
	return d
}

func transientCode(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// isTransient reports whether a failed model call is worth another attempt
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return transientCode(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return transientCode(apiErrPtr.Code)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientCode(gerr.Code)
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// generate calls gen with per-attempt deadlines and exponential backoff between
// transient failures. It returns the attempt count alongside the result.
func generate(ctx context.Context, gen Generator, prompt string, p RetryPolicy, onRetry func(attempt int, err error)) (string, int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", attempt - 1, ctx.Err()
			case <-time.After(p.backoff(attempt - 1)):
			}
		}

		text, err := callOnce(ctx, gen, prompt, p.Timeout)
		if err == nil {
			return text, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isTransient(err) {
			return "", attempt, err
		}
		if onRetry != nil && attempt < attempts {
			onRetry(attempt, err)
		}
	}
	return "", attempts, lastErr
}

func callOnce(ctx context.Context, gen Generator, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return gen.Generate(ctx, prompt)
}
