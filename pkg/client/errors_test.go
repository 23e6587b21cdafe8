package client

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Sternrassler/cf-client/pkg/job"
)

func TestTransient(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error is permanent",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error is transient",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit is transient",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error is transient",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "empty error class is permanent",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &APIError{Class: tt.errorClass}
			if got := err.Transient(); got != tt.expected {
				t.Errorf("Transient() = %v, want %v", got, tt.expected)
			}
			if got := job.IsTransient(fmt.Errorf("wrapped: %w", err)); got != tt.expected {
				t.Errorf("job.IsTransient(wrapped) = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{http.StatusOK, ""},
		{http.StatusNotModified, ""},
		{http.StatusBadRequest, ErrorClassClient},
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusUnprocessableEntity, ErrorClassClient},
		{http.StatusTooManyRequests, ErrorClassRateLimit},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusBadGateway, ErrorClassServer},
		{http.StatusServiceUnavailable, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		code        int
		errorCode   string
		description string
		payload     string
		message     string
	}{
		{
			name:        "v3 error document",
			status:      http.StatusUnprocessableEntity,
			body:        `{"errors":[{"code":10008,"title":"CF-UnprocessableEntity","detail":"Name must be unique"},{"code":1,"title":"second","detail":"ignored"}]}`,
			code:        10008,
			errorCode:   "CF-UnprocessableEntity",
			description: "Name must be unique",
			message:     "CF-UnprocessableEntity(10008): Name must be unique",
		},
		{
			name:        "v2 error document",
			status:      http.StatusNotFound,
			body:        `{"code":210002,"description":"The route could not be found: abc","error_code":"CF-RouteNotFound"}`,
			code:        210002,
			errorCode:   "CF-RouteNotFound",
			description: "The route could not be found: abc",
			message:     "CF-RouteNotFound(210002): The route could not be found: abc",
		},
		{
			name:    "empty v3 errors list",
			status:  http.StatusBadGateway,
			body:    `{"errors":[]}`,
			payload: `{"errors":[]}`,
			message: `unknown API error (status 502): {"errors":[]}`,
		},
		{
			name:    "not json",
			status:  http.StatusServiceUnavailable,
			body:    "<html>upstream down</html>\n",
			payload: "<html>upstream down</html>",
			message: "unknown API error (status 503): <html>upstream down</html>",
		},
		{
			name:    "empty body",
			status:  http.StatusInternalServerError,
			message: "unknown API error (status 500): ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseAPIError(tt.status, []byte(tt.body))

			if err.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", err.StatusCode, tt.status)
			}
			if err.Class != classifyStatus(tt.status) {
				t.Errorf("Class = %q, want %q", err.Class, classifyStatus(tt.status))
			}
			if err.Code != tt.code {
				t.Errorf("Code = %d, want %d", err.Code, tt.code)
			}
			if err.ErrorCode != tt.errorCode {
				t.Errorf("ErrorCode = %q, want %q", err.ErrorCode, tt.errorCode)
			}
			if err.Description != tt.description {
				t.Errorf("Description = %q, want %q", err.Description, tt.description)
			}
			if err.Payload != tt.payload {
				t.Errorf("Payload = %q, want %q", err.Payload, tt.payload)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.message)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	sentinel := errors.New("dial tcp: connection refused")
	err := &APIError{Class: ErrorClassNetwork, Err: sentinel}

	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Error() != "network error: dial tcp: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}

	blocked := &APIError{Class: ErrorClassRateLimit, Err: ErrRateLimited}
	if !errors.Is(fmt.Errorf("fetch page 1: %w", blocked), ErrRateLimited) {
		t.Error("blocked request should match ErrRateLimited")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"404", &APIError{StatusCode: http.StatusNotFound}, true},
		{"wrapped 404", fmt.Errorf("get app: %w", &APIError{StatusCode: http.StatusNotFound}), true},
		{"403", &APIError{StatusCode: http.StatusForbidden}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.expected {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.expected)
			}
		})
	}
}
