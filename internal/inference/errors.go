// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error variables for common service failures. TransportError matches the
// one that fits its status.
var (
	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnavailable indicates a 5xx response.
	ErrServerUnavailable = errors.New("inference service unavailable")
)

// TransportError is a non-success HTTP response to a chat request.
type TransportError struct {
	Status        int
	Message       string
	CorrelationID string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("inference error (HTTP %d): %s [request %s]", e.Status, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("inference error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps the status onto the package's sentinel errors.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrServerUnavailable:
		return e.Status >= 500
	}
	return false
}

// apiErrorResponse covers the error body shapes the service sends:
// {"error": "..."}, {"error": {"message": "..."}} and {"message": "..."}.
type apiErrorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// newTransportError converts an error response into a TransportError.
func newTransportError(status int, body []byte, correlationID string) *TransportError {
	return &TransportError{
		Status:        status,
		Message:       errorMessage(status, body),
		CorrelationID: correlationID,
	}
}

func errorMessage(status int, body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if len(apiErr.Error) > 0 {
			var s string
			if json.Unmarshal(apiErr.Error, &s) == nil && s != "" {
				return s
			}
			var obj struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(apiErr.Error, &obj) == nil && obj.Message != "" {
				return obj.Message
			}
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}

	// Fallback for unparseable error responses
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "<") {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
