package models

import (
	"time"
)

const DefaultCurrency = "NGN"

type ShipmentStatus string

const (
	ShipmentStatusDraft      ShipmentStatus = "draft"
	ShipmentStatusPending    ShipmentStatus = "pending"
	ShipmentStatusProcessing ShipmentStatus = "processing"
	ShipmentStatusInTransit  ShipmentStatus = "in_transit"
	ShipmentStatusDelivered  ShipmentStatus = "delivered"
	ShipmentStatusCancelled  ShipmentStatus = "cancelled"
	ShipmentStatusException  ShipmentStatus = "exception"
)

// allowedTransitions is the shipment state machine. Anything not listed is
// rejected, including every backward move.
var allowedTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentStatusDraft:      {ShipmentStatusPending, ShipmentStatusCancelled},
	ShipmentStatusPending:    {ShipmentStatusProcessing, ShipmentStatusInTransit, ShipmentStatusCancelled, ShipmentStatusException},
	ShipmentStatusProcessing: {ShipmentStatusInTransit, ShipmentStatusException},
	ShipmentStatusInTransit:  {ShipmentStatusDelivered, ShipmentStatusException},
	// Carriers clear an exception by reattempting delivery. Exception never
	// goes back to Pending or Processing and cannot be cancelled.
	ShipmentStatusException: {ShipmentStatusInTransit, ShipmentStatusDelivered},
}

// CanTransitionTo reports whether s may move to next.
func (s ShipmentStatus) CanTransitionTo(next ShipmentStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ShipmentStatus) Cancellable() bool {
	return s == ShipmentStatusDraft || s == ShipmentStatusPending
}

// Terminal is true for states tracking ingestion no longer polls.
func (s ShipmentStatus) Terminal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusCancelled
}

func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentStatusDraft, ShipmentStatusPending, ShipmentStatusProcessing,
		ShipmentStatusInTransit, ShipmentStatusDelivered, ShipmentStatusCancelled,
		ShipmentStatusException:
		return true
	}
	return false
}

// Shipment is the durable aggregate root. Address and parcel snapshots are
// taken at creation and never re-fetched.
type Shipment struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	CarrierShipmentID *string         `json:"carrier_shipment_id"`
	TrackingID        *string         `json:"tracking_id"`
	Status            ShipmentStatus  `json:"status"`
	Sender            Address         `json:"sender"`
	Receiver          Address         `json:"receiver"`
	Parcel            Parcel          `json:"parcel"`
	Shipping          ShippingInfo    `json:"shipping"`
	Payment           ShipmentPayment `json:"payment"`
	LabelURL          string          `json:"label_url,omitempty"`
	TrackingURL       string          `json:"tracking_url,omitempty"`
	Notifications     Notifications   `json:"notifications"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// ShippingInfo describes the booked carrier service.
type ShippingInfo struct {
	CarrierName       string            `json:"carrier_name"`
	Service           string            `json:"service"`
	RateID            string            `json:"rate_id"`
	AmountMinorUnits  int64             `json:"amount_minor_units"`
	Currency          string            `json:"currency"`
	EstimatedDelivery EstimatedDelivery `json:"estimated_delivery"`
}

// Notifications records when each one-shot email went out. A nil timestamp
// means not yet sent.
type Notifications struct {
	PaymentEmailSentAt  *time.Time `json:"payment_email_sent_at,omitempty"`
	ShipmentEmailSentAt *time.Time `json:"shipment_email_sent_at,omitempty"`
	AdminNotifiedAt     *time.Time `json:"admin_notified_at,omitempty"`
}

func (n Notifications) PaymentEmailSent() bool  { return n.PaymentEmailSentAt != nil }
func (n Notifications) ShipmentEmailSent() bool { return n.ShipmentEmailSentAt != nil }
func (n Notifications) AdminNotified() bool     { return n.AdminNotifiedAt != nil }

// Sent reports whether the flag backing kind is already set. Kinds without a
// flag (status changes) always report false.
func (n Notifications) Sent(kind NotificationKind) bool {
	switch kind {
	case NotificationPaymentReceipt:
		return n.PaymentEmailSent()
	case NotificationShipmentConfirmation:
		return n.ShipmentEmailSent()
	case NotificationAdminAlert:
		return n.AdminNotified()
	}
	return false
}

// Mark sets the flag for kind at the given time if it is not already set.
func (n *Notifications) Mark(kind NotificationKind, at time.Time) {
	switch kind {
	case NotificationPaymentReceipt:
		if n.PaymentEmailSentAt == nil {
			n.PaymentEmailSentAt = &at
		}
	case NotificationShipmentConfirmation:
		if n.ShipmentEmailSentAt == nil {
			n.ShipmentEmailSentAt = &at
		}
	case NotificationAdminAlert:
		if n.AdminNotifiedAt == nil {
			n.AdminNotifiedAt = &at
		}
	}
}

func (s *Shipment) CarrierID() string {
	if s.CarrierShipmentID == nil {
		return ""
	}
	return *s.CarrierShipmentID
}

func (s *Shipment) Tracking() string {
	if s.TrackingID == nil {
		return ""
	}
	return *s.TrackingID
}

// ShipmentEvent is published to Kafka whenever a shipment changes.
type ShipmentEvent struct {
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"` // shipment_booked, shipment_status_changed, shipment_cancelled, booking_failed
	ShipmentID       int            `json:"shipment_id,omitempty"`
	UserID           int            `json:"user_id"`
	PaymentReference string         `json:"payment_reference"`
	CarrierID        string         `json:"carrier_shipment_id,omitempty"`
	OldStatus        ShipmentStatus `json:"old_status,omitempty"`
	Status           ShipmentStatus `json:"status,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

const (
	EventShipmentBooked        = "shipment_booked"
	EventShipmentStatusChanged = "shipment_status_changed"
	EventShipmentCancelled     = "shipment_cancelled"
	EventBookingFailed         = "booking_failed"
)

// BookingFailure is the operator follow-up record for a paid booking that
// did not produce a shipment.
type BookingFailure struct {
	ID               int       `json:"id"`
	UserID           int       `json:"user_id"`
	PaymentReference string    `json:"payment_reference"`
	Outcome          string    `json:"outcome"` // carrier_rejected, refunded, refund_failed, persist_failed
	Reason           string    `json:"reason"`
	CarrierID        string    `json:"carrier_shipment_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
