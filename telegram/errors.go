package telegram

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnauthorized means the bot token was rejected (401). Never retried.
	ErrUnauthorized = errors.New("telegram: bot token rejected")
	// ErrTopicDeleted means the forum topic behind a thread id is gone. The
	// conversation layer recreates the topic and rebinds.
	ErrTopicDeleted = errors.New("telegram: forum topic is gone")
	// ErrMaxRetries wraps the last error after the retry budget is spent.
	ErrMaxRetries = errors.New("telegram: retry budget exhausted")
)

// topicGoneMarkers are the description fragments the platform uses when a
// thread id no longer resolves to a live topic.
var topicGoneMarkers = []string{
	"message thread not found",
	"topic_deleted",
	"topic deleted",
	"topic_closed",
}

// APIError is a platform-level refusal: the HTTP exchange worked but the API
// said no. Code mirrors the platform's error_code field.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed with %d: %s", e.Method, e.Code, e.Description)
}

// Unwrap surfaces the sentinel matching the refusal so callers can classify
// with errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == 401:
		return ErrUnauthorized
	case e.topicGone():
		return ErrTopicDeleted
	}
	return nil
}

func (e *APIError) topicGone() bool {
	desc := strings.ToLower(e.Description)
	for _, marker := range topicGoneMarkers {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}

// IsRateLimited reports a 429 refusal and its retry-after hint.
func IsRateLimited(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsUnauthorized reports a credential rejection.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTopicDeleted reports the thread-not-found family of refusals.
func IsTopicDeleted(err error) bool {
	return errors.Is(err, ErrTopicDeleted)
}

// IsRetryable reports whether another attempt can succeed: rate limits,
// server-side errors and network trouble are retryable, the rest of the 4xx
// family is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything that never reached the API counts as transport trouble.
	return !errors.Is(err, ErrInvalidUpdate)
}

// IsBreakerFailure classifies errors for the circuit breaker: client-side
// refusals (4xx, including 429) say nothing about the dependency's health,
// server errors and network failures do.
func IsBreakerFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return true
}
