package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/medulla-ai/medulla/pkg/models"
)

// Kind classifies a model backend failure.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindTimeout         Kind = "timeout"
	KindRateLimit       Kind = "rate_limit"
	KindServer          Kind = "server"
	KindInvalidResponse Kind = "invalid_response"
	KindUnknown         Kind = "unknown"
)

var errNoChoices = errors.New("response contained no choices")

// Error is a typed model backend failure carrying the role and model it
// occurred on.
type Error struct {
	Kind  Kind
	Role  models.ModelRole
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model call %s/%s: %s: %v", e.Role, e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a retry can plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimit, KindServer:
		return true
	}
	return false
}

// Classify maps backend errors onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindFromStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return kindFromStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset"):
		return KindConnection
	}
	return KindUnknown
}

func kindFromStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status == 0:
		return KindConnection
	}
	return KindUnknown
}
