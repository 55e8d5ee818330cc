package terminal

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"shipment-svc/models"
)

const (
	DefaultService           = "Standard Delivery"
	DefaultEstimatedDelivery = "3-5 business days"
)

var statusTable = map[string]models.ShipmentStatus{
	"draft":            models.ShipmentStatusPending,
	"pending":          models.ShipmentStatusPending,
	"created":          models.ShipmentStatusPending,
	"confirmed":        models.ShipmentStatusProcessing,
	"processing":       models.ShipmentStatusProcessing,
	"pickup_scheduled": models.ShipmentStatusProcessing,
	"picked_up":        models.ShipmentStatusInTransit,
	"in_transit":       models.ShipmentStatusInTransit,
	"out_for_delivery": models.ShipmentStatusInTransit,
	"delivered":        models.ShipmentStatusDelivered,
	"cancelled":        models.ShipmentStatusCancelled,
	"canceled":         models.ShipmentStatusCancelled,
	"failed":           models.ShipmentStatusException,
	"exception":        models.ShipmentStatusException,
	"returned":         models.ShipmentStatusException,
}

// NormalizeStatus maps a carrier status onto the internal set. Unknown values
// fall through a keyword heuristic and finally to pending.
func NormalizeStatus(raw string) models.ShipmentStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return models.ShipmentStatusPending
	}
	if s, ok := statusTable[key]; ok {
		return s
	}
	switch {
	case strings.Contains(key, "deliver") && !strings.Contains(key, "fail") && !strings.Contains(key, "out_for"):
		return models.ShipmentStatusDelivered
	case strings.Contains(key, "cancel"):
		return models.ShipmentStatusCancelled
	case strings.Contains(key, "created"), strings.Contains(key, "pending"), strings.Contains(key, "draft"):
		return models.ShipmentStatusPending
	case strings.Contains(key, "fail"), strings.Contains(key, "exception"), strings.Contains(key, "return"):
		return models.ShipmentStatusException
	case strings.Contains(key, "transit"), strings.Contains(key, "ship"), strings.Contains(key, "pick"):
		return models.ShipmentStatusInTransit
	}
	return models.ShipmentStatusPending
}

// object is a loosely decoded carrier payload.
type object map[string]any

func decodeObject(raw json.RawMessage) (object, error) {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, malformed("expected object: %v", err)
	}
	return o, nil
}

// firstString returns the first non-empty string (or number) under keys.
func (o object) firstString(keys ...string) string {
	for _, k := range keys {
		switch v := o[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func (o object) child(key string) object {
	if m, ok := o[key].(map[string]any); ok {
		return object(m)
	}
	return object{}
}

// id extracts an identifier that the carrier returns under varying keys.
func (o object) id(what string, keys ...string) (string, error) {
	if id := o.firstString(keys...); id != "" {
		return id, nil
	}
	return "", malformed("%s id missing (looked for %s)", what, strings.Join(keys, ", "))
}

// minorUnits converts a major-unit amount (number or numeric string) to
// minor units.
func (o object) minorUnits(keys ...string) int64 {
	for _, k := range keys {
		switch v := o[k].(type) {
		case float64:
			return int64(math.Round(v * 100))
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return int64(math.Round(f * 100))
			}
		}
	}
	return 0
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (o object) timestamp(keys ...string) time.Time {
	raw := o.firstString(keys...)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func normalizeRate(o object) (models.Rate, error) {
	id, err := o.id("rate", "rate_id", "id", "_id")
	if err != nil {
		return models.Rate{}, err
	}
	rate := models.Rate{
		RateID:           id,
		CarrierName:      o.firstString("carrier_name", "carrier"),
		Service:          o.firstString("carrier_rate_description", "service", "service_name"),
		AmountMinorUnits: o.minorUnits("amount", "total"),
		Currency:         strings.ToUpper(o.firstString("currency")),
	}
	if rate.Service == "" {
		rate.Service = DefaultService
	}
	if rate.Currency == "" {
		rate.Currency = models.DefaultCurrency
	}
	rate.EstimatedDelivery = models.ParseEstimatedDelivery(o.firstString("delivery_date", "delivery_time", "estimated_delivery"))
	if rate.EstimatedDelivery.IsZero() {
		rate.EstimatedDelivery = models.EstimatedDelivery{Text: DefaultEstimatedDelivery}
	}
	return rate, nil
}

func normalizeShipment(o object) (*models.CarrierShipment, error) {
	id, err := o.id("shipment", "shipment_id", "id", "_id")
	if err != nil {
		return nil, err
	}
	extras := o.child("extras")
	raw := o.firstString("status")
	s := &models.CarrierShipment{
		CarrierShipmentID: id,
		TrackingID:        firstNonEmpty(o.firstString("tracking_number", "tracking_id"), extras.firstString("tracking_number", "tracking_id")),
		Status:            NormalizeStatus(raw),
		RawStatus:         raw,
		LabelURL:          firstNonEmpty(o.firstString("label_url", "label"), extras.firstString("shipping_label_url", "label_url")),
		TrackingURL:       firstNonEmpty(o.firstString("tracking_url"), extras.firstString("tracking_url")),
		CarrierName:       firstNonEmpty(o.firstString("carrier_name", "carrier"), extras.firstString("carrier_name")),
		AmountMinorUnits:  o.minorUnits("amount"),
		Currency:          strings.ToUpper(o.firstString("currency")),
		EstimatedDelivery: models.ParseEstimatedDelivery(o.firstString("estimated_delivery", "delivery_date")),
	}
	return s, nil
}

func normalizeTracking(carrierID string, o object) *models.TrackingInfo {
	raw := o.firstString("status")
	info := &models.TrackingInfo{
		CarrierShipmentID: firstNonEmpty(o.firstString("shipment_id", "id"), carrierID),
		Status:            NormalizeStatus(raw),
		RawStatus:         raw,
		Events:            []models.TrackingEvent{},
	}

	var events []any
	for _, key := range []string{"events", "tracking_events", "history"} {
		if list, ok := o[key].([]any); ok {
			events = list
			break
		}
	}
	for _, e := range events {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		ev := object(m)
		rawStatus := ev.firstString("status")
		info.Events = append(info.Events, models.TrackingEvent{
			Status:      NormalizeStatus(rawStatus),
			RawStatus:   rawStatus,
			Description: ev.firstString("description", "message"),
			Location:    ev.firstString("location"),
			Timestamp:   ev.timestamp("timestamp", "date", "created_at"),
		})
	}
	models.SortEventsNewestFirst(info.Events)
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	first, last, found := strings.Cut(name, " ")
	if !found {
		return name, name
	}
	return first, strings.TrimSpace(last)
}
