package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ConfigurationError reports a provider config that cannot produce a client.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("provider config: %s %s", e.Field, reason)
}

// UpstreamError wraps a failed call to the provider API. StatusCode is zero
// when the failure happened before a response arrived.
type UpstreamError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (status %d): %s", e.Provider, e.Operation, e.StatusCode, message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func newUpstreamError(provider, operation string, err error) error {
	if err == nil {
		return nil
	}

	upstreamErr := &UpstreamError{
		Provider:  provider,
		Operation: operation,
		Err:       err,
	}

	var apiErr *openai.APIError
	var requestErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		upstreamErr.StatusCode = apiErr.HTTPStatusCode
		upstreamErr.Message = apiErr.Message
	case errors.As(err, &requestErr):
		upstreamErr.StatusCode = requestErr.HTTPStatusCode
		if requestErr.Err != nil {
			upstreamErr.Message = requestErr.Err.Error()
		}
		if upstreamErr.Message == "" {
			upstreamErr.Message = http.StatusText(requestErr.HTTPStatusCode)
		}
	}
	return upstreamErr
}
