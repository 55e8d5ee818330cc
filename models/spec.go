package models

import (
	"github.com/go-playground/validator/v10"
)

var specValidator = validator.New()

// Address is both the carrier request payload and the snapshot stored on a
// shipment.
type Address struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"omitempty,email"`
	Phone         string `json:"phone"`
	Line1         string `json:"address" validate:"required"`
	Line2         string `json:"address2,omitempty"`
	City          string `json:"city" validate:"required"`
	State         string `json:"state"`
	Country       string `json:"country" validate:"required,len=2"`
	Zip           string `json:"zip,omitempty"`
	IsResidential bool   `json:"is_residential"`
}

type Item struct {
	Name            string  `json:"name"`
	Description     string  `json:"description" validate:"required"`
	Quantity        int     `json:"quantity" validate:"gte=1"`
	ValueMinorUnits int64   `json:"value_minor_units" validate:"gte=0"`
	Currency        string  `json:"currency"`
	WeightKg        float64 `json:"weight" validate:"gte=0"`
}

type Parcel struct {
	Description string  `json:"description"`
	WeightKg    float64 `json:"weight" validate:"gt=0"`
	LengthCm    float64 `json:"length" validate:"gt=0"`
	WidthCm     float64 `json:"width" validate:"gt=0"`
	HeightCm    float64 `json:"height" validate:"gt=0"`
	Items       []Item  `json:"items" validate:"dive"`
}

// SpecMetadata carries the free-form hints the client collected during rate
// shopping.
type SpecMetadata struct {
	CarrierName                string  `json:"carrier_name"`
	Service                    string  `json:"service"`
	EstimatedDelivery          string  `json:"estimated_delivery"`
	OriginalAmountMinorUnits   int64   `json:"original_amount_minor_units" validate:"gte=0"`
	ServiceFeePercentage       float64 `json:"service_fee_percentage" validate:"gte=0,lte=100"`
	ServiceFeeAmountMinorUnits int64   `json:"service_fee_amount_minor_units" validate:"gte=0"`
	ShipmentPurpose            string  `json:"shipment_purpose"`
}

// ShipmentSpec is the booking input. It references carrier-side address and
// parcel ids created earlier and carries snapshots of the same data for
// persistence.
type ShipmentSpec struct {
	AddressFromID string       `json:"address_from_id" validate:"required"`
	AddressToID   string       `json:"address_to_id" validate:"required"`
	ParcelID      string       `json:"parcel_id" validate:"required"`
	RateID        string       `json:"rate_id" validate:"required"`
	Sender        Address      `json:"sender"`
	Receiver      Address      `json:"receiver"`
	Parcel        Parcel       `json:"parcel"`
	Metadata      SpecMetadata `json:"metadata"`
}

// Validate checks the spec before any side effect is attempted.
func (s *ShipmentSpec) Validate() error {
	return specValidator.Struct(s)
}

// DefaultServiceFeePercentage applies when the client did not send one.
const DefaultServiceFeePercentage = 25

// Fees derives the fee breakdown for a verified payment. When the client did
// not report the pre-fee amount the whole payment is treated as carrier cost.
func (s *ShipmentSpec) Fees(paidMinor int64) FeeBreakdown {
	original := s.Metadata.OriginalAmountMinorUnits
	if original == 0 {
		original = paidMinor
	}
	pct := s.Metadata.ServiceFeePercentage
	if pct == 0 {
		pct = DefaultServiceFeePercentage
	}
	fee := s.Metadata.ServiceFeeAmountMinorUnits
	if fee == 0 && paidMinor > original {
		fee = paidMinor - original
	}
	return FeeBreakdown{
		OriginalAmountMinorUnits:   original,
		ServiceFeePercentage:       pct,
		ServiceFeeAmountMinorUnits: fee,
	}
}
