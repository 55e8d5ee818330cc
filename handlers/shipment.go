package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/saga"
	"shipment-svc/store"
	"shipment-svc/terminal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ShipmentReader interface {
	ListByUser(ctx context.Context, userID int) ([]models.Shipment, error)
	GetForUser(ctx context.Context, id, userID int) (*models.Shipment, error)
}

type ShipmentAdmin interface {
	Delete(ctx context.Context, id int) (int, int, error)
}

type ShipmentLifecycle interface {
	Cancel(ctx context.Context, userID, shipmentID int) (*models.Shipment, error)
	RefreshTracking(ctx context.Context, s *models.Shipment) (*models.TrackingInfo, []saga.Transition, error)
}

type CarrierSetup interface {
	CreateAddress(ctx context.Context, addr models.Address) (string, error)
	CreateParcel(ctx context.Context, parcel models.Parcel) (string, error)
}

type RateQuoter interface {
	GetRates(ctx context.Context, q terminal.RateQuery) ([]models.Rate, error)
}

type ShipmentHandler struct {
	shipments ShipmentReader
	admin     ShipmentAdmin
	lifecycle ShipmentLifecycle
	carrier   CarrierSetup
	rates     RateQuoter
	logger    *zap.Logger
}

func NewShipmentHandler(
	shipments ShipmentReader,
	admin ShipmentAdmin,
	lifecycle ShipmentLifecycle,
	carrier CarrierSetup,
	rates RateQuoter,
	logger *zap.Logger,
) *ShipmentHandler {
	return &ShipmentHandler{
		shipments: shipments,
		admin:     admin,
		lifecycle: lifecycle,
		carrier:   carrier,
		rates:     rates,
		logger:    logger,
	}
}

func (h *ShipmentHandler) List(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	shipments, err := h.shipments.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Failed to list shipments", err)
		return
	}
	if shipments == nil {
		shipments = []models.Shipment{}
	}
	c.JSON(http.StatusOK, gin.H{"shipments": shipments, "count": len(shipments)})
}

func (h *ShipmentHandler) Get(c *gin.Context) {
	s, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"shipment": s})
}

func (h *ShipmentHandler) Cancel(c *gin.Context) {
	id, ok := shipmentID(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)

	s, err := h.lifecycle.Cancel(c.Request.Context(), userID, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Shipment cancelled", "shipment": s})
	case errors.Is(err, saga.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Shipment not found"})
	case errors.Is(err, saga.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": statusOf(s)})
	case errors.Is(err, terminal.ErrCarrierUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Carrier unavailable, please try again"})
	case errors.Is(err, terminal.ErrCarrierRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "The carrier refused to cancel this shipment"})
	default:
		h.internalError(c, "Failed to cancel shipment", err)
	}
}

// Tracking refreshes from the carrier and returns the latest events. When the
// carrier is unreachable it falls back to the stored status.
func (h *ShipmentHandler) Tracking(c *gin.Context) {
	s, ok := h.loadOwned(c)
	if !ok {
		return
	}

	info, transitions, err := h.lifecycle.RefreshTracking(c.Request.Context(), s)
	if err != nil {
		if errors.Is(err, saga.ErrNotBooked) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": s.Status})
			return
		}
		h.logger.Warn("Tracking refresh failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.Int("shipment_id", s.ID),
			zap.Error(err),
		)
		if info == nil {
			c.JSON(http.StatusOK, gin.H{"status": s.Status, "events": []models.TrackingEvent{}, "stale": true})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      s.Status,
		"tracking_id": s.Tracking(),
		"events":      info.Events,
		"transitions": transitions,
	})
}

type rateRequest struct {
	AddressFromID string `json:"address_from_id" binding:"required"`
	AddressToID   string `json:"address_to_id" binding:"required"`
	ParcelID      string `json:"parcel_id" binding:"required"`
	Currency      string `json:"currency"`
}

func (h *ShipmentHandler) Rates(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rates, err := h.rates.GetRates(c.Request.Context(), terminal.RateQuery{
		AddressFromID: req.AddressFromID,
		AddressToID:   req.AddressToID,
		ParcelID:      req.ParcelID,
		Currency:      currencyOrDefault(req.Currency),
	})
	if err != nil {
		h.carrierError(c, "Failed to fetch rates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": rates})
}

func (h *ShipmentHandler) CreateAddress(c *gin.Context) {
	var addr models.Address
	if err := c.ShouldBindJSON(&addr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.carrier.CreateAddress(c.Request.Context(), addr)
	if err != nil {
		h.carrierError(c, "Failed to create address", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"address_id": id})
}

func (h *ShipmentHandler) CreateParcel(c *gin.Context) {
	var parcel models.Parcel
	if err := c.ShouldBindJSON(&parcel); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.carrier.CreateParcel(c.Request.Context(), parcel)
	if err != nil {
		h.carrierError(c, "Failed to create parcel", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"parcel_id": id})
}

// Delete is admin-only and does not touch the carrier booking.
func (h *ShipmentHandler) Delete(c *gin.Context) {
	id, ok := shipmentID(c)
	if !ok {
		return
	}

	userID, count, err := h.admin.Delete(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Shipment not found"})
			return
		}
		h.internalError(c, "Failed to delete shipment", err)
		return
	}

	h.logger.Info("Shipment deleted",
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.Int("shipment_id", id),
		zap.Int("user_id", userID),
	)
	c.JSON(http.StatusOK, gin.H{
		"message":        "Shipment deleted",
		"user_id":        userID,
		"shipment_count": count,
	})
}

func (h *ShipmentHandler) loadOwned(c *gin.Context) (*models.Shipment, bool) {
	id, ok := shipmentID(c)
	if !ok {
		return nil, false
	}
	userID, _ := middleware.UserID(c)

	s, err := h.shipments.GetForUser(c.Request.Context(), id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Shipment not found"})
			return nil, false
		}
		h.internalError(c, "Failed to load shipment", err)
		return nil, false
	}
	return s, true
}

func (h *ShipmentHandler) carrierError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, terminal.ErrCarrierRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg, "details": err.Error()})
	case errors.Is(err, terminal.ErrCarrierUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
	default:
		h.internalError(c, msg, err)
	}
}

func (h *ShipmentHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg,
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func shipmentID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid shipment ID"})
		return 0, false
	}
	return id, true
}

func statusOf(s *models.Shipment) models.ShipmentStatus {
	if s == nil {
		return ""
	}
	return s.Status
}
