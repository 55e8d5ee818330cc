package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shipment-svc/middleware"
	"shipment-svc/models"

	"go.uber.org/zap"
)

type Recipient struct {
	Name  string
	Email string
}

// bookingNotifications are the one-shot emails sent after a booking commits.
var bookingNotifications = []models.NotificationKind{
	models.NotificationPaymentReceipt,
	models.NotificationShipmentConfirmation,
	models.NotificationAdminAlert,
}

// DispatchNotifications sends every booking notification whose flag is not
// yet set on s. Each flag is claimed before sending, so concurrent runs for
// the same shipment send each email at most once. A failed send releases its
// claim for a later run to retry. Failures never fail the caller.
func (o *Orchestrator) DispatchNotifications(ctx context.Context, s *models.Shipment, to Recipient) {
	data := o.templateData(s, to)

	for _, kind := range bookingNotifications {
		if s.Notifications.Sent(kind) {
			continue
		}

		recipient := to.Email
		if kind == models.NotificationAdminAlert {
			recipient = o.notifier.AdminEmail()
		}
		if recipient == "" {
			o.logger.Warn("No recipient for notification",
				zap.Int("shipment_id", s.ID),
				zap.String("kind", string(kind)),
			)
			continue
		}

		// Postgres keeps microseconds; the release below matches on this value.
		at := o.now().Truncate(time.Microsecond)
		claimed, err := o.store.MarkNotificationSent(ctx, s.ID, kind, at)
		if err != nil {
			o.logger.Warn("Failed to claim notification",
				zap.Int("shipment_id", s.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			o.logger.Debug("Notification already claimed",
				zap.Int("shipment_id", s.ID),
				zap.String("kind", string(kind)),
			)
			continue
		}

		deliveryID, err := o.notifier.Send(ctx, kind, recipient, data)
		if err != nil {
			o.logger.Warn("Notification failed",
				zap.Int("shipment_id", s.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			middleware.RecordNotification(string(kind), "failed")
			if rerr := o.store.ReleaseNotification(ctx, s.ID, kind, at); rerr != nil {
				o.logger.Error("Failed to release notification claim",
					zap.Int("shipment_id", s.ID),
					zap.String("kind", string(kind)),
					zap.Error(rerr),
				)
			}
			continue
		}
		middleware.RecordNotification(string(kind), "sent")
		s.Notifications.Mark(kind, at)

		o.logger.Info("Notification sent",
			zap.Int("shipment_id", s.ID),
			zap.String("kind", string(kind)),
			zap.String("delivery_id", deliveryID),
		)
	}
}

// notifyStatusChange is sent once per applied transition, so it has no flag.
func (o *Orchestrator) notifyStatusChange(ctx context.Context, s *models.Shipment, from, to models.ShipmentStatus) {
	recipient := o.ownerRecipient(ctx, s)
	if recipient.Email == "" {
		return
	}

	data := o.templateData(s, recipient)
	data.OldStatus = string(from)
	data.NewStatus = string(to)

	if _, err := o.notifier.Send(ctx, models.NotificationStatusChange, recipient.Email, data); err != nil {
		o.logger.Warn("Status change notification failed",
			zap.Int("shipment_id", s.ID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
		middleware.RecordNotification(string(models.NotificationStatusChange), "failed")
		return
	}
	middleware.RecordNotification(string(models.NotificationStatusChange), "sent")
}

func (o *Orchestrator) ownerRecipient(ctx context.Context, s *models.Shipment) Recipient {
	if o.users != nil {
		user, err := o.users.GetByID(ctx, s.UserID)
		if err == nil {
			return Recipient{Name: user.Name, Email: user.Email}
		}
		o.logger.Warn("Failed to load shipment owner",
			zap.Int("shipment_id", s.ID),
			zap.Int("user_id", s.UserID),
			zap.Error(err),
		)
	}
	return Recipient{Name: s.Sender.Name, Email: s.Sender.Email}
}

func (o *Orchestrator) templateData(s *models.Shipment, to Recipient) models.TemplateData {
	paidAt := ""
	if s.Payment.PaidAt != nil {
		paidAt = s.Payment.PaidAt.Format("02 Jan 2006 15:04 MST")
	}
	return models.TemplateData{
		CustomerName:      firstNonEmpty(to.Name, "there"),
		CustomerEmail:     to.Email,
		ShipmentID:        s.ID,
		CarrierShipmentID: s.CarrierID(),
		TrackingID:        firstNonEmpty(s.Tracking(), "pending"),
		TrackingURL:       s.TrackingURL,
		LabelURL:          s.LabelURL,
		CarrierName:       s.Shipping.CarrierName,
		Service:           s.Shipping.Service,
		Amount:            models.FormatMinor(s.Payment.AmountMinorUnits, s.Payment.Currency),
		ShippingCost:      models.FormatMinor(s.Payment.Fees.OriginalAmountMinorUnits, s.Payment.Currency),
		ServiceFee:        models.FormatMinor(s.Payment.Fees.ServiceFeeAmountMinorUnits, s.Payment.Currency),
		PaymentReference:  s.Payment.Reference,
		PaymentChannel:    s.Payment.Method,
		PaidAt:            paidAt,
		EstimatedDelivery: s.Shipping.EstimatedDelivery.String(),
		SenderSummary:     addressSummary(s.Sender),
		ReceiverSummary:   addressSummary(s.Receiver),
		FrontendURL:       o.opts.FrontendURL,
	}
}

func addressSummary(a models.Address) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.City, a.State, a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if a.Name == "" {
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s (%s)", a.Name, strings.Join(parts, ", "))
}
