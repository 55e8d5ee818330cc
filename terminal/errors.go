package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shipment-svc/circuitbreaker"
	"shipment-svc/httpclient"
)

var (
	// ErrCarrierRejected is a definitive refusal (4xx or status=false). Not
	// retried.
	ErrCarrierRejected = errors.New("carrier rejected request")
	// ErrCarrierUnavailable covers timeouts, network failures, 5xx and an
	// open circuit.
	ErrCarrierUnavailable = errors.New("carrier unavailable")
	// ErrMalformedResponse means the carrier answered 2xx without the
	// identifiers we need, or with a body that is not JSON. Not retried since
	// the request was accepted.
	ErrMalformedResponse = errors.New("carrier response malformed")
)

type APIError struct {
	Kind       error
	StatusCode int
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("terminal: %v (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("terminal: %v: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

func retryable(err error) bool {
	return errors.Is(err, ErrCarrierUnavailable) && !errors.Is(err, circuitbreaker.ErrCircuitOpen)
}

func classify(err error, body []byte) error {
	if err == nil {
		return nil
	}
	if httpclient.IsDecode(err) {
		return &APIError{Kind: ErrMalformedResponse, Message: err.Error(), cause: err}
	}
	status := httpclient.Status(err)
	if httpclient.IsTransport(err) || status == 0 {
		return &APIError{Kind: ErrCarrierUnavailable, Message: err.Error(), cause: err}
	}
	msg := envelopeMessage(body)
	if status >= 500 || status == 429 {
		return &APIError{Kind: ErrCarrierUnavailable, StatusCode: status, Message: msg}
	}
	return &APIError{Kind: ErrCarrierRejected, StatusCode: status, Message: msg}
}

// PurchaseError is returned when the draft shipment was created at the carrier
// but buying its rate failed. The draft exists and must be released.
type PurchaseError struct {
	CarrierShipmentID string
	Err               error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("terminal: purchase of shipment %s failed: %v", e.CarrierShipmentID, e.Err)
}

func (e *PurchaseError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &APIError{Kind: ErrMalformedResponse, Message: fmt.Sprintf(format, args...)}
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
