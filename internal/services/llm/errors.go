package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	// Delay is the server-provided Retry-After, zero when absent.
	Delay time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm request: http %d: %s", e.StatusCode, summarizePayloadSnippet(e.Body))
}

// RetryAfter returns the server-requested delay before the next attempt.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Delay
}

// EmptyContentError reports a 2xx response that carried no usable content.
type EmptyContentError struct {
	FinishReason string
	Refusal      string
	Snippet      string
	NoChoices    bool
}

func (e *EmptyContentError) Error() string {
	if e.NoChoices {
		return fmt.Sprintf("llm complete: empty choices (response_snippet=%s)", e.Snippet)
	}
	return fmt.Sprintf(
		"llm complete: empty content (finish_reason=%q, refusal=%q, response_snippet=%s)",
		e.FinishReason,
		e.Refusal,
		e.Snippet,
	)
}

// MalformedResponseError reports a 2xx body that is not a chat completion.
type MalformedResponseError struct {
	Snippet string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("llm request: decode response: %v (response_snippet=%s)", e.Err, e.Snippet)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport-level failure worth another
// attempt: HTTP 408/429/5xx, timeouts, and dropped or refused connections.
// Cancellation of the caller's context is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
