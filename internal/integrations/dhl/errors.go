package dhl

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a carrier call failure. Codes follow the DHL emulator
// error contract.
type Kind string

const (
	KindValidation Kind = "DHL_VALIDATION_ERROR"
	KindAuth       Kind = "DHL_AUTH_ERROR"
	KindRateLimit  Kind = "DHL_RATE_LIMIT"
	KindServer     Kind = "DHL_SERVER_ERROR"
	KindNetwork    Kind = "DHL_NETWORK_ERROR"
	KindUnknown    Kind = "DHL_UNKNOWN_ERROR"
)

type APIError struct {
	Kind       Kind
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is worth another attempt:
// network-level trouble, carrier throttling or a carrier-side 5xx.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimit, KindServer:
		return true
	}
	return false
}

// Classify maps an HTTP response status to the error taxonomy.
func Classify(status int, message string) *APIError {
	kind := KindUnknown
	switch {
	case status == http.StatusBadRequest:
		kind = KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status >= 500:
		kind = KindServer
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{Kind: kind, HTTPStatus: status, Message: message}
}

// NetworkError wraps a transport failure into the taxonomy.
func NetworkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Message: err.Error()}
}

func IsKind(err error, kind Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
