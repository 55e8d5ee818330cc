package saga

import (
	"context"
	"errors"
	"fmt"

	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Cancel cancels a Draft or Pending shipment owned by userID. The carrier
// booking is released first; if that fails nothing changes locally.
func (o *Orchestrator) Cancel(ctx context.Context, userID, shipmentID int) (*models.Shipment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "CancelShipment")
	defer span.End()
	span.SetAttributes(attribute.Int("shipment.id", shipmentID), attribute.Int("user_id", userID))

	s, err := o.store.GetForUser(ctx, shipmentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !s.Status.Cancellable() {
		return s, fmt.Errorf("%w: status is %s", ErrNotCancellable, s.Status)
	}

	if carrierID := s.CarrierID(); carrierID != "" {
		if err := o.carrier.CancelShipment(ctx, carrierID); err != nil {
			span.RecordError(err)
			return s, fmt.Errorf("cancel at carrier: %w", err)
		}
	}

	from := s.Status
	if err := o.store.UpdateStatus(ctx, s.ID, from, models.ShipmentStatusCancelled); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return s, fmt.Errorf("%w: status changed during cancellation", ErrNotCancellable)
		}
		return s, err
	}

	at := o.now()
	s.Status = models.ShipmentStatusCancelled
	s.CancelledAt = &at
	s.UpdatedAt = at

	o.logger.Info("Shipment cancelled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("shipment_id", s.ID),
		zap.Int("user_id", userID),
	)
	middleware.RecordStatusTransition(string(from), string(models.ShipmentStatusCancelled))

	o.publish(ctx, models.ShipmentEvent{
		EventType:        models.EventShipmentCancelled,
		ShipmentID:       s.ID,
		UserID:           s.UserID,
		PaymentReference: s.Payment.Reference,
		CarrierID:        s.CarrierID(),
		OldStatus:        from,
		Status:           models.ShipmentStatusCancelled,
	})
	o.notifyStatusChange(ctx, s, from, models.ShipmentStatusCancelled)

	return s, nil
}
