package models

import (
	"sort"
	"time"
)

// Rate is one carrier service quote for a route.
type Rate struct {
	RateID            string            `json:"rate_id"`
	CarrierName       string            `json:"carrier_name"`
	Service           string            `json:"service"`
	AmountMinorUnits  int64             `json:"amount_minor_units"`
	Currency          string            `json:"currency"`
	EstimatedDelivery EstimatedDelivery `json:"estimated_delivery"`
}

// CarrierShipment is the normalized result of booking with the carrier.
type CarrierShipment struct {
	CarrierShipmentID string            `json:"carrier_shipment_id"`
	TrackingID        string            `json:"tracking_id"`
	Status            ShipmentStatus    `json:"status"`
	RawStatus         string            `json:"raw_status"`
	LabelURL          string            `json:"label_url,omitempty"`
	TrackingURL       string            `json:"tracking_url,omitempty"`
	CarrierName       string            `json:"carrier_name,omitempty"`
	AmountMinorUnits  int64             `json:"amount_minor_units,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	EstimatedDelivery EstimatedDelivery `json:"estimated_delivery"`
}

// CarrierShipmentRequest books a shipment by carrier-side ids.
type CarrierShipmentRequest struct {
	AddressFromID string
	AddressToID   string
	ParcelID      string
	RateID        string
	Metadata      map[string]string
}

type TrackingInfo struct {
	CarrierShipmentID string          `json:"carrier_shipment_id"`
	Status            ShipmentStatus  `json:"status"`
	RawStatus         string          `json:"raw_status"`
	Events            []TrackingEvent `json:"events"`
}

type TrackingEvent struct {
	Status      ShipmentStatus `json:"status"`
	RawStatus   string         `json:"raw_status"`
	Description string         `json:"description"`
	Location    string         `json:"location"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SortEventsNewestFirst orders events descending by timestamp. Carrier APIs
// do not guarantee order.
func SortEventsNewestFirst(events []TrackingEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// SortEventsOldestFirst is the ingestion order.
func SortEventsOldestFirst(events []TrackingEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
