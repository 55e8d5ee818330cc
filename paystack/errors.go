package paystack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"shipment-svc/httpclient"
)

var (
	// ErrGatewayUnavailable covers timeouts, network failures, 429 and 5xx.
	// It is the only retryable class.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidRequest     = errors.New("payment gateway rejected request")
	ErrNotFound           = errors.New("transaction not found")
	ErrAlreadyRefunded    = errors.New("transaction already refunded")
)

// APIError is a classified gateway failure. Match it with errors.Is against
// the package sentinels.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("paystack: %v (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("paystack: %v: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

// retryable excludes undecodable 2xx bodies: the gateway processed the
// request, and repeating a refund is not safe.
func retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) && !httpclient.IsDecode(err)
}

// classify maps a transport or HTTP failure to an APIError.
func classify(err error, body []byte) error {
	if err == nil {
		return nil
	}
	status := httpclient.Status(err)
	if httpclient.IsTransport(err) || status == 0 {
		return &APIError{Kind: ErrGatewayUnavailable, Message: err.Error(), cause: err}
	}

	msg := envelopeMessage(body)
	if status >= 500 || status == http.StatusTooManyRequests {
		return &APIError{Kind: ErrGatewayUnavailable, StatusCode: status, Message: msg}
	}
	return rejection(status, msg)
}

// rejection interprets a definitive refusal, either a 4xx or a 200 envelope
// with status false.
func rejection(status int, msg string) error {
	lower := strings.ToLower(msg)
	kind := ErrInvalidRequest
	switch {
	case strings.Contains(lower, "fully reversed"), strings.Contains(lower, "already refunded"),
		strings.Contains(lower, "already been reversed"):
		kind = ErrAlreadyRefunded
	case status == http.StatusNotFound, strings.Contains(lower, "not found"):
		kind = ErrNotFound
	}
	return &APIError{Kind: kind, StatusCode: status, Message: msg}
}

func envelopeMessage(body []byte) string {
	var env struct {
		Message string `json:"message"`
	}
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	return strings.TrimSpace(string(body))
}
