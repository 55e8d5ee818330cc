package handlers

import (
	"context"
	"errors"
	"net/http"

	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/paystack"
	"shipment-svc/saga"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PaymentInitializer interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (*models.InitializeResult, error)
	Verify(ctx context.Context, reference string) (*models.PaymentResult, error)
}

type Booker interface {
	VerifyAndBook(ctx context.Context, req saga.BookingRequest) (*saga.BookingResult, error)
}

type PaymentHandler struct {
	gateway PaymentInitializer
	booker  Booker
	logger  *zap.Logger
}

func NewPaymentHandler(gateway PaymentInitializer, booker Booker, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{gateway: gateway, booker: booker, logger: logger}
}

type initializeRequest struct {
	Email            string         `json:"email"`
	AmountMinorUnits int64          `json:"amount_minor_units" binding:"required,gt=0"`
	Currency         string         `json:"currency"`
	Metadata         map[string]any `json:"metadata"`
}

func (h *PaymentHandler) Initialize(c *gin.Context) {
	ctx, span := otel.Tracer("shipment-service").Start(c.Request.Context(), "InitializePayment")
	defer span.End()

	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, _ := middleware.UserID(c)
	email := req.Email
	if email == "" {
		email = c.GetString(middleware.ContextEmail)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["user_id"] = userID

	result, err := h.gateway.Initialize(ctx, paystack.InitializeRequest{
		Email:            email,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Metadata:         metadata,
	})
	if err != nil {
		span.RecordError(err)
		status, reason := gatewayErrorStatus(err)
		h.logger.Warn("Payment initialization failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "Failed to initialize payment", "reason": reason})
		return
	}

	span.SetAttributes(attribute.String("payment_reference", result.Reference))
	c.JSON(http.StatusOK, gin.H{
		"authorization_url":  result.AuthorizationURL,
		"access_code":        result.AccessCode,
		"reference":          result.Reference,
		"amount_minor_units": req.AmountMinorUnits,
		"currency":           currencyOrDefault(req.Currency),
	})
}

// Verify reports the gateway's view of a payment without booking anything.
func (h *PaymentHandler) Verify(c *gin.Context) {
	payment, err := h.gateway.Verify(c.Request.Context(), c.Param("reference"))
	if err != nil {
		status, reason := gatewayErrorStatus(err)
		c.JSON(status, gin.H{"error": "Payment verification failed", "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": paymentView(payment)})
}

type verifyAndBookRequest struct {
	PaymentReference string               `json:"payment_reference"`
	Reference        string               `json:"reference"`
	ShipmentSpec     *models.ShipmentSpec `json:"shipment_spec"`
	ShipmentData     *models.ShipmentSpec `json:"shipment_data"`
}

func (h *PaymentHandler) VerifyAndBook(c *gin.Context) {
	ctx := c.Request.Context()

	var req verifyAndBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "invalid_request"})
		return
	}
	reference := req.PaymentReference
	if reference == "" {
		reference = req.Reference
	}
	spec := req.ShipmentSpec
	if spec == nil {
		spec = req.ShipmentData
	}
	if reference == "" || spec == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Payment reference and shipment details are required",
			"reason": "invalid_request",
		})
		return
	}

	userID, _ := middleware.UserID(c)
	result, err := h.booker.VerifyAndBook(ctx, saga.BookingRequest{
		UserID:           userID,
		UserEmail:        c.GetString(middleware.ContextEmail),
		UserName:         c.GetString(middleware.ContextName),
		PaymentReference: reference,
		Spec:             *spec,
	})
	if err != nil {
		h.writeBookingError(c, reference, result, err)
		return
	}

	message := "Payment successful and shipment created"
	if result.Existing {
		message = "Shipment already created for this payment"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":        message,
		"payment":        paymentView(result.Payment),
		"shipment":       result.Shipment,
		"shipment_count": result.ShipmentCount,
		"existing":       result.Existing,
	})
}

func (h *PaymentHandler) writeBookingError(c *gin.Context, reference string, result *saga.BookingResult, err error) {
	traceID := middleware.GetTraceID(c.Request.Context())

	var crit *saga.CriticalReconciliationError
	if errors.As(err, &crit) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             "We're resolving an issue with your order. Please contact support with this reference.",
			"reason":            "critical_reconciliation",
			"carrier_reference": crit.CarrierReference(),
			"payment_reference": reference,
		})
		return
	}

	body := gin.H{}
	if result != nil && result.Payment != nil {
		body["payment"] = paymentView(result.Payment)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, saga.ErrInvalidShipmentSpec):
		status = http.StatusBadRequest
		body["error"] = err.Error()
		body["reason"] = "invalid_shipment_spec"
	case errors.Is(err, saga.ErrPaymentNotSuccessful):
		status = http.StatusBadRequest
		body["error"] = "Payment not completed"
		body["reason"] = "payment_not_successful"
	case errors.Is(err, saga.ErrReferenceInUse):
		status = http.StatusConflict
		body["error"] = "This payment has already been used"
		body["reason"] = "reference_in_use"
	case errors.Is(err, saga.ErrCarrierRejected):
		status = http.StatusUnprocessableEntity
		body["error"] = "The carrier rejected the shipment details. Please check the addresses and try again."
		body["reason"] = "carrier_rejected"
	case errors.Is(err, saga.ErrBookingFailedRefunded):
		status = http.StatusServiceUnavailable
		body["error"] = "The carrier is unavailable. Your payment has been refunded."
		body["reason"] = "booking_failed_refunded"
	case errors.Is(err, paystack.ErrGatewayUnavailable),
		errors.Is(err, paystack.ErrNotFound),
		errors.Is(err, paystack.ErrInvalidRequest):
		status, body["reason"] = gatewayErrorStatus(err)
		body["error"] = "Payment verification failed"
	default:
		body["error"] = "Internal server error"
		body["reason"] = "internal_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Verify and book failed",
			zap.String("trace_id", traceID),
			zap.String("payment_reference", reference),
			zap.Error(err),
		)
	}
	c.JSON(status, body)
}

func gatewayErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, paystack.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, paystack.ErrNotFound):
		return http.StatusBadRequest, "payment_not_found"
	case errors.Is(err, paystack.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func paymentView(p *models.PaymentResult) gin.H {
	if p == nil {
		return nil
	}
	return gin.H{
		"reference":          p.Reference,
		"status":             p.Status,
		"amount":             models.MajorUnits(p.AmountMinorUnits),
		"amount_minor_units": p.AmountMinorUnits,
		"currency":           p.Currency,
		"channel":            p.Channel,
		"paid_at":            p.PaidAt,
	}
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return models.DefaultCurrency
	}
	return currency
}
