package saga

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotSuccessful = errors.New("payment not successful")
	ErrInvalidShipmentSpec  = errors.New("invalid shipment spec")
	ErrCarrierRejected      = errors.New("carrier rejected shipment")
	// ErrBookingFailedRefunded means the carrier could not be reached and the
	// customer's payment was returned.
	ErrBookingFailedRefunded = errors.New("shipment booking failed, payment refunded")
	ErrReferenceInUse        = errors.New("payment reference belongs to another account")
	ErrInvalidTransition     = errors.New("invalid shipment status transition")
	ErrNotCancellable        = errors.New("shipment can no longer be cancelled")
	ErrNotFound              = errors.New("shipment not found")
	ErrNotBooked             = errors.New("shipment has no carrier booking")
)

const (
	StageRefund  = "refund"
	StagePersist = "persist"
	// StagePurchase is a carrier draft that could neither be purchased nor
	// released.
	StagePurchase = "purchase"
)

// CriticalReconciliationError is returned when money and shipment state may
// disagree and an operator has to reconcile by hand. It carries every
// identifier needed to do so.
type CriticalReconciliationError struct {
	Stage             string
	PaymentReference  string
	AmountMinorUnits  int64
	Currency          string
	CarrierShipmentID string
	TrackingID        string
	Err               error
}

func (e *CriticalReconciliationError) Error() string {
	msg := fmt.Sprintf("critical reconciliation required at %s: payment %s (%d %s)",
		e.Stage, e.PaymentReference, e.AmountMinorUnits, e.Currency)
	if e.CarrierShipmentID != "" {
		msg += ", carrier shipment " + e.CarrierShipmentID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CriticalReconciliationError) Unwrap() error {
	return e.Err
}

// CarrierReference is what the caller may show support staff.
func (e *CriticalReconciliationError) CarrierReference() string {
	if e.CarrierShipmentID != "" {
		return e.CarrierShipmentID
	}
	return e.PaymentReference
}
