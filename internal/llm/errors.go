package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrorCode classifies completion failures.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeUnavailable ErrorCode = "UNAVAILABLE"
	CodeBadRequest  ErrorCode = "BAD_REQUEST"
	CodeAuth        ErrorCode = "AUTH_ERROR"
	CodeUnknown     ErrorCode = "UNKNOWN"
)

// Error is a classified completion failure.
type Error struct {
	Code       ErrorCode
	Retryable  bool
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, status int, msg string, cause error) *Error {
	return &Error{
		Code:       code,
		Retryable:  code == CodeTimeout || code == CodeRateLimited || code == CodeUnavailable,
		StatusCode: status,
		Message:    msg,
		Err:        cause,
	}
}

// CodeForStatus maps an HTTP status to an error code.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	case status >= 400:
		return CodeBadRequest
	}
	return CodeUnknown
}

// HTTPError builds a classified error from a failed HTTP response.
func HTTPError(status int, body string, retryAfter string) *Error {
	e := newError(CodeForStatus(status), status, body, nil)
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// Classify converts any error returned by a provider into an *Error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, 0, err.Error(), err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(CodeUnknown, 0, err.Error(), err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newError(CodeForStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(CodeForStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(CodeTimeout, 0, err.Error(), err)
		}
		return newError(CodeUnavailable, 0, err.Error(), err)
	}
	return newError(CodeUnknown, 0, err.Error(), err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	e := Classify(err)
	return e != nil && e.Retryable
}
