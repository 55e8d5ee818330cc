package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/paystack"
	"shipment-svc/store"
	"shipment-svc/terminal"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "shipment-service/saga"

type PaymentGateway interface {
	Verify(ctx context.Context, reference string) (*models.PaymentResult, error)
	Refund(ctx context.Context, reference string, amountMinorUnits int64, reason string) (*models.RefundResult, error)
}

type Carrier interface {
	CreateShipment(ctx context.Context, req models.CarrierShipmentRequest) (*models.CarrierShipment, error)
	CancelShipment(ctx context.Context, carrierShipmentID string) error
	Track(ctx context.Context, carrierShipmentID string) (*models.TrackingInfo, error)
}

type Notifier interface {
	Send(ctx context.Context, kind models.NotificationKind, recipient string, data models.TemplateData) (string, error)
	AdminEmail() string
}

type ShipmentStore interface {
	Create(ctx context.Context, s *models.Shipment) (int, error)
	GetByID(ctx context.Context, id int) (*models.Shipment, error)
	GetForUser(ctx context.Context, id, userID int) (*models.Shipment, error)
	GetByPaymentReference(ctx context.Context, reference string) (*models.Shipment, error)
	GetByCarrierID(ctx context.Context, carrierShipmentID string) (*models.Shipment, error)
	UpdateStatus(ctx context.Context, id int, from, to models.ShipmentStatus) error
	MarkNotificationSent(ctx context.Context, id int, kind models.NotificationKind, at time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, id int, kind models.NotificationKind, at time.Time) error
	ShipmentCount(ctx context.Context, userID int) (int, error)
	RecordBookingFailure(ctx context.Context, f *models.BookingFailure) error
}

type UserDirectory interface {
	GetByID(ctx context.Context, id int) (*models.User, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.ShipmentEvent) error
}

type Options struct {
	// DeliveryFallback is added to the booking time when the carrier only
	// gives a descriptive estimated delivery.
	DeliveryFallback time.Duration
	FrontendURL      string
}

type Orchestrator struct {
	gateway  PaymentGateway
	carrier  Carrier
	store    ShipmentStore
	users    UserDirectory
	notifier Notifier
	events   EventPublisher
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewOrchestrator(
	gateway PaymentGateway,
	carrier Carrier,
	shipments ShipmentStore,
	users UserDirectory,
	notifier Notifier,
	events EventPublisher,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.DeliveryFallback <= 0 {
		opts.DeliveryFallback = 5 * 24 * time.Hour
	}
	return &Orchestrator{
		gateway:  gateway,
		carrier:  carrier,
		store:    shipments,
		users:    users,
		notifier: notifier,
		events:   events,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type BookingRequest struct {
	UserID           int
	UserEmail        string
	UserName         string
	PaymentReference string
	Spec             models.ShipmentSpec
}

type BookingResult struct {
	Payment       *models.PaymentResult
	Shipment      *models.Shipment
	ShipmentCount int
	// Existing is true when the reference had already been booked and no new
	// carrier booking was made.
	Existing bool
}

// VerifyAndBook turns a verified payment into a booked, persisted shipment.
// Once the carrier has been asked to book, the remaining steps run to a
// terminal outcome even if ctx is cancelled.
func (o *Orchestrator) VerifyAndBook(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "VerifyAndBook")
	defer span.End()

	span.SetAttributes(
		attribute.Int("user_id", req.UserID),
		attribute.String("payment_reference", req.PaymentReference),
	)

	logger := o.logger.With(
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("payment_reference", req.PaymentReference),
		zap.Int("user_id", req.UserID),
	)

	if strings.TrimSpace(req.PaymentReference) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidShipmentSpec)
	}
	if err := req.Spec.Validate(); err != nil {
		middleware.RecordBooking("invalid_spec")
		return nil, fmt.Errorf("%w: %v", ErrInvalidShipmentSpec, err)
	}

	// Verify
	payment, err := o.gateway.Verify(ctx, req.PaymentReference)
	if err != nil {
		span.RecordError(err)
		logger.Warn("Payment verification failed", zap.Error(err))
		middleware.RecordBooking("verify_failed")
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	span.SetAttributes(
		attribute.String("payment.status", string(payment.Status)),
		attribute.Int64("payment.amount_minor", payment.AmountMinorUnits),
	)
	if !payment.Successful() {
		logger.Info("Payment not successful, nothing booked", zap.String("status", string(payment.Status)))
		middleware.RecordBooking("payment_not_successful")
		return &BookingResult{Payment: payment},
			fmt.Errorf("%w: status %s", ErrPaymentNotSuccessful, payment.Status)
	}

	// Idempotency guard
	existing, err := o.store.GetByPaymentReference(ctx, req.PaymentReference)
	switch {
	case err == nil:
		return o.returnExisting(ctx, req, payment, existing, logger)
	case !errors.Is(err, store.ErrNotFound):
		span.RecordError(err)
		return nil, fmt.Errorf("look up shipment by reference: %w", err)
	}

	// Past this point the carrier may hold a booking we are responsible for.
	ctx = context.WithoutCancel(ctx)

	booked, err := o.book(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "carrier booking failed")
		return o.handleBookingFailure(ctx, req, payment, err, logger)
	}
	span.SetAttributes(attribute.String("carrier_shipment_id", booked.CarrierShipmentID))

	shipment := o.buildShipment(req, payment, booked)
	count, err := o.store.Create(ctx, shipment)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return o.resolveLostRace(ctx, req, payment, booked, logger)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		crit := &CriticalReconciliationError{
			Stage:             StagePersist,
			PaymentReference:  req.PaymentReference,
			AmountMinorUnits:  payment.AmountMinorUnits,
			Currency:          payment.Currency,
			CarrierShipmentID: booked.CarrierShipmentID,
			TrackingID:        booked.TrackingID,
			Err:               err,
		}
		o.logCritical(logger, crit)
		o.recordFailure(ctx, req, "persist_failed", err.Error(), booked.CarrierShipmentID, logger)
		o.publish(ctx, models.ShipmentEvent{
			EventType:        models.EventBookingFailed,
			UserID:           req.UserID,
			PaymentReference: req.PaymentReference,
			CarrierID:        booked.CarrierShipmentID,
			Reason:           "persist_failed",
		})
		middleware.RecordBooking("critical")
		return &BookingResult{Payment: payment}, crit
	}

	span.SetAttributes(attribute.Int("shipment.id", shipment.ID))
	logger.Info("Shipment booked",
		zap.Int("shipment_id", shipment.ID),
		zap.String("carrier_shipment_id", booked.CarrierShipmentID),
		zap.String("tracking_id", booked.TrackingID),
	)
	middleware.RecordBooking("booked")

	o.publish(ctx, models.ShipmentEvent{
		EventType:        models.EventShipmentBooked,
		ShipmentID:       shipment.ID,
		UserID:           shipment.UserID,
		PaymentReference: req.PaymentReference,
		CarrierID:        booked.CarrierShipmentID,
		Status:           shipment.Status,
	})

	o.DispatchNotifications(ctx, shipment, Recipient{
		Name:  req.UserName,
		Email: customerEmail(req, payment),
	})

	return &BookingResult{
		Payment:       payment,
		Shipment:      shipment,
		ShipmentCount: count,
	}, nil
}

func (o *Orchestrator) book(ctx context.Context, req BookingRequest) (*models.CarrierShipment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "CreateCarrierShipment")
	defer span.End()

	metadata := map[string]string{
		"payment_reference": req.PaymentReference,
		"user_id":           fmt.Sprint(req.UserID),
	}
	if req.Spec.Metadata.ShipmentPurpose != "" {
		metadata["shipment_purpose"] = req.Spec.Metadata.ShipmentPurpose
	}

	booked, err := o.carrier.CreateShipment(ctx, models.CarrierShipmentRequest{
		AddressFromID: req.Spec.AddressFromID,
		AddressToID:   req.Spec.AddressToID,
		ParcelID:      req.Spec.ParcelID,
		RateID:        req.Spec.RateID,
		Metadata:      metadata,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return booked, nil
}

// handleBookingFailure decides between surfacing a rejection and
// compensating with a refund.
func (o *Orchestrator) handleBookingFailure(ctx context.Context, req BookingRequest, payment *models.PaymentResult, cause error, logger *zap.Logger) (*BookingResult, error) {
	result := &BookingResult{Payment: payment}

	// A draft left at the carrier must be released before the payment is
	// refunded, or the customer ends up with both.
	draftID := ""
	var purchaseErr *terminal.PurchaseError
	if errors.As(cause, &purchaseErr) {
		draftID = purchaseErr.CarrierShipmentID
		if err := o.carrier.CancelShipment(ctx, draftID); err != nil {
			crit := &CriticalReconciliationError{
				Stage:             StagePurchase,
				PaymentReference:  req.PaymentReference,
				AmountMinorUnits:  payment.AmountMinorUnits,
				Currency:          payment.Currency,
				CarrierShipmentID: draftID,
				Err:               fmt.Errorf("release draft after purchase failure (%v): %w", cause, err),
			}
			o.logCritical(logger, crit)
			o.recordFailure(ctx, req, "purchase_failed", crit.Error(), draftID, logger)
			o.publish(ctx, models.ShipmentEvent{
				EventType:        models.EventBookingFailed,
				UserID:           req.UserID,
				PaymentReference: req.PaymentReference,
				CarrierID:        draftID,
				Reason:           "purchase_failed",
			})
			middleware.RecordBooking("critical")
			return result, crit
		}
		logger.Info("Released unpurchased carrier shipment", zap.String("carrier_shipment_id", draftID))
	}

	if errors.Is(cause, terminal.ErrCarrierRejected) {
		logger.Warn("Carrier rejected shipment, payment kept for corrected retry", zap.Error(cause))
		o.recordFailure(ctx, req, "carrier_rejected", cause.Error(), draftID, logger)
		o.publish(ctx, models.ShipmentEvent{
			EventType:        models.EventBookingFailed,
			UserID:           req.UserID,
			PaymentReference: req.PaymentReference,
			CarrierID:        draftID,
			Reason:           "carrier_rejected",
		})
		middleware.RecordBooking("carrier_rejected")
		return result, fmt.Errorf("%w: %w", ErrCarrierRejected, cause)
	}

	logger.Warn("Carrier unavailable, refunding payment",
		zap.Int64("amount_minor", payment.AmountMinorUnits),
		zap.Error(cause),
	)

	refund, err := o.gateway.Refund(ctx, req.PaymentReference, payment.AmountMinorUnits,
		"Shipment booking failed: carrier unavailable")
	if err != nil && !errors.Is(err, paystack.ErrAlreadyRefunded) {
		crit := &CriticalReconciliationError{
			Stage:            StageRefund,
			PaymentReference: req.PaymentReference,
			AmountMinorUnits: payment.AmountMinorUnits,
			Currency:         payment.Currency,
			Err:              fmt.Errorf("refund after carrier failure (%v): %w", cause, err),
		}
		o.logCritical(logger, crit)
		o.recordFailure(ctx, req, "refund_failed", crit.Error(), draftID, logger)
		o.publish(ctx, models.ShipmentEvent{
			EventType:        models.EventBookingFailed,
			UserID:           req.UserID,
			PaymentReference: req.PaymentReference,
			CarrierID:        draftID,
			Reason:           "refund_failed",
		})
		middleware.RecordRefund("failed")
		middleware.RecordBooking("critical")
		return result, crit
	}

	if err != nil {
		logger.Info("Payment was already refunded")
		middleware.RecordRefund("already_refunded")
	} else {
		logger.Info("Payment refunded",
			zap.String("refund_status", refund.Status),
			zap.Int64("refund_amount_minor", refund.AmountMinorUnits),
		)
		middleware.RecordRefund("issued")
	}

	o.recordFailure(ctx, req, "refunded", cause.Error(), draftID, logger)
	o.publish(ctx, models.ShipmentEvent{
		EventType:        models.EventBookingFailed,
		UserID:           req.UserID,
		PaymentReference: req.PaymentReference,
		CarrierID:        draftID,
		Reason:           "refunded",
	})
	middleware.RecordBooking("refunded")
	return result, fmt.Errorf("%w: %w", ErrBookingFailedRefunded, cause)
}

// resolveLostRace handles a concurrent invocation having persisted the same
// reference first. The winner's shipment is returned and our own carrier
// booking is released.
func (o *Orchestrator) resolveLostRace(ctx context.Context, req BookingRequest, payment *models.PaymentResult, booked *models.CarrierShipment, logger *zap.Logger) (*BookingResult, error) {
	logger.Info("Lost booking race, returning existing shipment",
		zap.String("carrier_shipment_id", booked.CarrierShipmentID))

	winner, err := o.store.GetByPaymentReference(ctx, req.PaymentReference)
	if err != nil {
		crit := &CriticalReconciliationError{
			Stage:             StagePersist,
			PaymentReference:  req.PaymentReference,
			AmountMinorUnits:  payment.AmountMinorUnits,
			Currency:          payment.Currency,
			CarrierShipmentID: booked.CarrierShipmentID,
			TrackingID:        booked.TrackingID,
			Err:               fmt.Errorf("re-read after duplicate insert: %w", err),
		}
		o.logCritical(logger, crit)
		middleware.RecordBooking("critical")
		return &BookingResult{Payment: payment}, crit
	}

	if err := o.carrier.CancelShipment(ctx, booked.CarrierShipmentID); err != nil {
		logger.Warn("Failed to cancel duplicate carrier booking",
			zap.String("carrier_shipment_id", booked.CarrierShipmentID),
			zap.Error(err),
		)
	}

	count, err := o.store.ShipmentCount(ctx, winner.UserID)
	if err != nil {
		logger.Warn("Failed to read shipment count", zap.Error(err))
	}
	middleware.RecordBooking("existing")
	return &BookingResult{Payment: payment, Shipment: winner, ShipmentCount: count, Existing: true}, nil
}

func (o *Orchestrator) returnExisting(ctx context.Context, req BookingRequest, payment *models.PaymentResult, existing *models.Shipment, logger *zap.Logger) (*BookingResult, error) {
	if existing.UserID != req.UserID {
		logger.Warn("Payment reference already booked by another user",
			zap.Int("owner_id", existing.UserID))
		middleware.RecordBooking("reference_in_use")
		return nil, ErrReferenceInUse
	}

	logger.Info("Payment reference already booked, returning existing shipment",
		zap.Int("shipment_id", existing.ID))

	// A previous run may have crashed before notifying.
	o.DispatchNotifications(ctx, existing, Recipient{
		Name:  req.UserName,
		Email: customerEmail(req, payment),
	})

	count, err := o.store.ShipmentCount(ctx, req.UserID)
	if err != nil {
		logger.Warn("Failed to read shipment count", zap.Error(err))
	}
	middleware.RecordBooking("existing")
	return &BookingResult{Payment: payment, Shipment: existing, ShipmentCount: count, Existing: true}, nil
}

func (o *Orchestrator) buildShipment(req BookingRequest, payment *models.PaymentResult, booked *models.CarrierShipment) *models.Shipment {
	meta := req.Spec.Metadata
	now := o.now()

	estimated := booked.EstimatedDelivery
	if estimated.IsZero() {
		estimated = models.ParseEstimatedDelivery(meta.EstimatedDelivery)
	}

	shipping := models.ShippingInfo{
		CarrierName:       firstNonEmpty(booked.CarrierName, meta.CarrierName),
		Service:           firstNonEmpty(meta.Service, terminal.DefaultService),
		RateID:            req.Spec.RateID,
		AmountMinorUnits:  booked.AmountMinorUnits,
		Currency:          firstNonEmpty(booked.Currency, payment.Currency),
		EstimatedDelivery: estimated.Resolve(now, o.opts.DeliveryFallback),
	}
	fees := req.Spec.Fees(payment.AmountMinorUnits)
	if shipping.AmountMinorUnits == 0 {
		shipping.AmountMinorUnits = fees.OriginalAmountMinorUnits
	}

	paidAt := payment.PaidAt
	if paidAt == nil {
		paidAt = &now
	}

	s := &models.Shipment{
		UserID:   req.UserID,
		Status:   models.ShipmentStatusPending,
		Sender:   req.Spec.Sender,
		Receiver: req.Spec.Receiver,
		Parcel:   req.Spec.Parcel,
		Shipping: shipping,
		Payment: models.ShipmentPayment{
			Status:           models.PaymentStatusPaid,
			AmountMinorUnits: payment.AmountMinorUnits,
			Currency:         payment.Currency,
			Method:           payment.Channel,
			Reference:        req.PaymentReference,
			PaidAt:           paidAt,
			Authorization:    payment.Authorization,
			Fees:             fees,
		},
		LabelURL:    booked.LabelURL,
		TrackingURL: booked.TrackingURL,
	}
	carrierID := booked.CarrierShipmentID
	s.CarrierShipmentID = &carrierID
	if booked.TrackingID != "" {
		trackingID := booked.TrackingID
		s.TrackingID = &trackingID
	}
	return s
}

func (o *Orchestrator) recordFailure(ctx context.Context, req BookingRequest, outcome, reason, carrierID string, logger *zap.Logger) {
	err := o.store.RecordBookingFailure(ctx, &models.BookingFailure{
		UserID:           req.UserID,
		PaymentReference: req.PaymentReference,
		Outcome:          outcome,
		Reason:           reason,
		CarrierID:        carrierID,
	})
	if err != nil {
		logger.Error("Failed to record booking failure",
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) logCritical(logger *zap.Logger, crit *CriticalReconciliationError) {
	logger.Error("Critical reconciliation required",
		zap.Bool("critical_reconciliation", true),
		zap.String("stage", crit.Stage),
		zap.String("payment_reference", crit.PaymentReference),
		zap.Int64("amount_minor", crit.AmountMinorUnits),
		zap.String("currency", crit.Currency),
		zap.String("carrier_shipment_id", crit.CarrierShipmentID),
		zap.String("tracking_id", crit.TrackingID),
		zap.Error(crit.Err),
	)
}

func (o *Orchestrator) publish(ctx context.Context, event models.ShipmentEvent) {
	if o.events == nil {
		return
	}
	event.EventID = uuid.NewString()
	event.OccurredAt = o.now()
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Error("Failed to publish shipment event",
			zap.String("event_type", event.EventType),
			zap.String("payment_reference", event.PaymentReference),
			zap.Error(err),
		)
	}
}

func customerEmail(req BookingRequest, payment *models.PaymentResult) string {
	if req.UserEmail != "" {
		return req.UserEmail
	}
	return payment.CustomerEmail
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
