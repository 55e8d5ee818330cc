package models

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusSuccess  PaymentStatus = "success"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentResult is the normalized outcome of a gateway verification. It is
// produced once per Verify call and never mutated.
type PaymentResult struct {
	Reference        string         `json:"reference"`
	Status           PaymentStatus  `json:"status"`
	AmountMinorUnits int64          `json:"amount_minor_units"`
	Currency         string         `json:"currency"`
	Channel          string         `json:"channel"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	CustomerEmail    string         `json:"customer_email,omitempty"`
	Authorization    Authorization  `json:"authorization"`
	RawProvider      map[string]any `json:"-"`
}

// Authorization carries the card/bank details the gateway reports for audit.
type Authorization struct {
	Code     string `json:"authorization_code,omitempty"`
	CardType string `json:"card_type,omitempty"`
	Bank     string `json:"bank,omitempty"`
	Brand    string `json:"brand,omitempty"`
}

func (p *PaymentResult) Successful() bool {
	return p != nil && p.Status == PaymentStatusSuccess
}

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type RefundResult struct {
	Reference        string    `json:"reference"`
	Status           string    `json:"status"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	RefundedAt       time.Time `json:"refunded_at"`
}

// ShipmentPayment is the payment snapshot persisted on a shipment.
type ShipmentPayment struct {
	Status           PaymentStatus `json:"status"`
	AmountMinorUnits int64         `json:"amount_minor_units"`
	Currency         string        `json:"currency"`
	Method           string        `json:"method"`
	Reference        string        `json:"reference"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	Authorization    Authorization `json:"authorization"`
	Fees             FeeBreakdown  `json:"fees"`
}

// FeeBreakdown splits what the customer paid into carrier cost and our fee.
type FeeBreakdown struct {
	OriginalAmountMinorUnits   int64   `json:"original_amount_minor_units"`
	ServiceFeePercentage       float64 `json:"service_fee_percentage"`
	ServiceFeeAmountMinorUnits int64   `json:"service_fee_amount_minor_units"`
}

// FormatMinor renders an amount in minor units as a major-unit string.
// Conversion happens only here, at the presentation boundary.
func FormatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return fmt.Sprintf("%s %s%d.%02d", currency, sign, amount/100, amount%100)
}

// MajorUnits converts minor units to a float for JSON presentation only.
func MajorUnits(amount int64) float64 {
	return float64(amount) / 100
}
