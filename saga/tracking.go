package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Transition struct {
	From models.ShipmentStatus `json:"from"`
	To   models.ShipmentStatus `json:"to"`
	At   time.Time             `json:"at"`
}

// RefreshTracking pulls the carrier's tracking history for s, applies every
// valid forward transition and returns the events newest first.
func (o *Orchestrator) RefreshTracking(ctx context.Context, s *models.Shipment) (*models.TrackingInfo, []Transition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "RefreshTracking")
	defer span.End()
	span.SetAttributes(attribute.Int("shipment.id", s.ID))

	carrierID := s.CarrierID()
	if carrierID == "" {
		return nil, nil, ErrNotBooked
	}

	info, err := o.carrier.Track(ctx, carrierID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("track shipment %d: %w", s.ID, err)
	}

	events := make([]models.TrackingEvent, len(info.Events))
	copy(events, info.Events)
	models.SortEventsOldestFirst(events)

	statuses := make([]models.ShipmentStatus, 0, len(events)+1)
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	if info.Status != "" {
		statuses = append(statuses, info.Status)
	}

	transitions, err := o.ingest(ctx, s, statuses)
	models.SortEventsNewestFirst(info.Events)
	return info, transitions, err
}

// ApplyCarrierStatus ingests a single pushed status update for the shipment
// the carrier knows as carrierShipmentID.
func (o *Orchestrator) ApplyCarrierStatus(ctx context.Context, carrierShipmentID string, status models.ShipmentStatus) ([]Transition, error) {
	s, err := o.store.GetByCarrierID(ctx, carrierShipmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o.ingest(ctx, s, []models.ShipmentStatus{status})
}

// ingest walks statuses in order and applies each one the state machine
// allows from the shipment's current status. Repeats and backward or
// skipping moves are ignored.
func (o *Orchestrator) ingest(ctx context.Context, s *models.Shipment, statuses []models.ShipmentStatus) ([]Transition, error) {
	var applied []Transition

	for _, next := range statuses {
		if s.Status.Terminal() {
			break
		}
		if next == s.Status {
			continue
		}
		if !next.Valid() {
			o.logger.Warn("Ignoring unknown tracking status",
				zap.Int("shipment_id", s.ID),
				zap.String("reported", string(next)),
			)
			continue
		}
		if !s.Status.CanTransitionTo(next) {
			o.logger.Debug("Ignoring tracking status",
				zap.Int("shipment_id", s.ID),
				zap.String("current", string(s.Status)),
				zap.String("reported", string(next)),
			)
			continue
		}

		from := s.Status
		err := o.store.UpdateStatus(ctx, s.ID, from, next)
		if errors.Is(err, store.ErrStaleStatus) {
			fresh, rerr := o.store.GetByID(ctx, s.ID)
			if rerr != nil {
				return applied, fmt.Errorf("reload shipment %d: %w", s.ID, rerr)
			}
			s.Status = fresh.Status
			if !s.Status.CanTransitionTo(next) {
				continue
			}
			from = s.Status
			err = o.store.UpdateStatus(ctx, s.ID, from, next)
		}
		if err != nil {
			return applied, fmt.Errorf("update shipment %d status: %w", s.ID, err)
		}

		at := o.now()
		s.Status = next
		s.UpdatedAt = at
		if next == models.ShipmentStatusCancelled {
			s.CancelledAt = &at
		}
		applied = append(applied, Transition{From: from, To: next, At: at})

		o.logger.Info("Shipment status updated",
			zap.Int("shipment_id", s.ID),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
		)
		middleware.RecordStatusTransition(string(from), string(next))

		o.publish(ctx, models.ShipmentEvent{
			EventType:        models.EventShipmentStatusChanged,
			ShipmentID:       s.ID,
			UserID:           s.UserID,
			PaymentReference: s.Payment.Reference,
			CarrierID:        s.CarrierID(),
			OldStatus:        from,
			Status:           next,
		})
		o.notifyStatusChange(ctx, s, from, next)
	}

	return applied, nil
}
