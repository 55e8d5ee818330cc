package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EstimatedDelivery is a date-or-description union. Carriers return either a
// concrete timestamp or a phrase such as "3-5 business days".
type EstimatedDelivery struct {
	At   *time.Time `json:"at,omitempty"`
	Text string     `json:"text,omitempty"`
}

var deliveryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEstimatedDelivery classifies a raw carrier value. Only unambiguous
// ISO-style layouts count as dates; anything else is kept as text.
func ParseEstimatedDelivery(raw string) EstimatedDelivery {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "Invalid Date" {
		return EstimatedDelivery{}
	}
	for _, layout := range deliveryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return EstimatedDelivery{At: &t}
		}
	}
	return EstimatedDelivery{Text: raw}
}

func (e EstimatedDelivery) IsZero() bool {
	return e.At == nil && e.Text == ""
}

// Resolve returns a copy with a concrete timestamp, falling back to
// now+fallback when only a description (or nothing) is known. The
// description is preserved.
func (e EstimatedDelivery) Resolve(now time.Time, fallback time.Duration) EstimatedDelivery {
	if e.At != nil {
		return e
	}
	at := now.Add(fallback).UTC()
	return EstimatedDelivery{At: &at, Text: e.Text}
}

// UnmarshalJSON accepts the union form, a bare string or null.
func (e *EstimatedDelivery) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = EstimatedDelivery{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*e = ParseEstimatedDelivery(raw)
		return nil
	}
	type plain EstimatedDelivery
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = EstimatedDelivery(p)
	return nil
}

func (e EstimatedDelivery) String() string {
	if e.At != nil {
		return e.At.Format("Mon, 02 Jan 2006")
	}
	return e.Text
}
