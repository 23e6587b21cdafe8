package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRateLimited is returned when the server-reported quota is exhausted and
// the request was not sent.
var ErrRateLimited = errors.New("request blocked: rate limit exhausted")

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 answers and locally blocked requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus maps an HTTP status code to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// APIError is a failed request. For HTTP errors it carries the server's
// error document; for network errors and blocked requests it wraps Err.
type APIError struct {
	StatusCode int
	Class      ErrorClass

	// Code is the numeric platform error code, e.g. 10008.
	Code int
	// Description is the human readable message (v2 description, v3 detail).
	Description string
	// ErrorCode is the symbolic code, e.g. "CF-UnprocessableEntity" (v2 error_code, v3 title).
	ErrorCode string

	// Payload is the raw body when it was not a recognised error document.
	Payload string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Class, e.Err)
	case e.ErrorCode != "":
		return fmt.Sprintf("%s(%d): %s", e.ErrorCode, e.Code, e.Description)
	default:
		return fmt.Sprintf("unknown API error (status %d): %s", e.StatusCode, e.Payload)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Transient reports whether repeating the request later may succeed.
func (e *APIError) Transient() bool {
	switch e.Class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// v2ErrorBody is the v2 error document.
type v2ErrorBody struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	ErrorCode   string `json:"error_code"`
}

// v3ErrorBody is the v3 error document. Only the first error is surfaced.
type v3ErrorBody struct {
	Errors []struct {
		Code   int    `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// parseAPIError builds an APIError from a non-2xx answer body. Both error
// document versions are recognised; anything else is kept as Payload.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Class:      classifyStatus(status),
	}

	var v3 v3ErrorBody
	if err := json.Unmarshal(body, &v3); err == nil && len(v3.Errors) > 0 {
		apiErr.Code = v3.Errors[0].Code
		apiErr.ErrorCode = v3.Errors[0].Title
		apiErr.Description = v3.Errors[0].Detail
		return apiErr
	}

	var v2 v2ErrorBody
	if err := json.Unmarshal(body, &v2); err == nil && v2.ErrorCode != "" {
		apiErr.Code = v2.Code
		apiErr.ErrorCode = v2.ErrorCode
		apiErr.Description = v2.Description
		return apiErr
	}

	apiErr.Payload = strings.TrimSpace(string(body))
	return apiErr
}
