package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"shipment-svc/models"
	"shipment-svc/saga"
	"shipment-svc/store"
	"shipment-svc/terminal"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeShipments struct {
	byID      map[int]*models.Shipment
	listErr   error
	deleted   []int
	deleteErr error
}

func (f *fakeShipments) ListByUser(_ context.Context, userID int) ([]models.Shipment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Shipment
	for _, s := range f.byID {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeShipments) GetForUser(_ context.Context, id, userID int) (*models.Shipment, error) {
	s, ok := f.byID[id]
	if !ok || s.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeShipments) Delete(_ context.Context, id int) (int, int, error) {
	if f.deleteErr != nil {
		return 0, 0, f.deleteErr
	}
	s, ok := f.byID[id]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	delete(f.byID, id)
	f.deleted = append(f.deleted, id)
	return s.UserID, 0, nil
}

type fakeLifecycle struct {
	cancelErr error
	info      *models.TrackingInfo
	trackErr  error
	cancelled []int
}

func (f *fakeLifecycle) Cancel(_ context.Context, userID, shipmentID int) (*models.Shipment, error) {
	if f.cancelErr != nil {
		return &models.Shipment{ID: shipmentID, Status: models.ShipmentStatusInTransit}, f.cancelErr
	}
	f.cancelled = append(f.cancelled, shipmentID)
	return &models.Shipment{ID: shipmentID, UserID: userID, Status: models.ShipmentStatusCancelled}, nil
}

func (f *fakeLifecycle) RefreshTracking(_ context.Context, s *models.Shipment) (*models.TrackingInfo, []saga.Transition, error) {
	if f.trackErr != nil {
		return nil, nil, f.trackErr
	}
	from := s.Status
	s.Status = f.info.Status
	return f.info, []saga.Transition{{From: from, To: f.info.Status}}, nil
}

type fakeCarrierSetup struct {
	err   error
	query terminal.RateQuery
}

func (f *fakeCarrierSetup) CreateAddress(context.Context, models.Address) (string, error) {
	return "AD-1", f.err
}

func (f *fakeCarrierSetup) CreateParcel(context.Context, models.Parcel) (string, error) {
	return "PC-1", f.err
}

func (f *fakeCarrierSetup) GetRates(_ context.Context, q terminal.RateQuery) ([]models.Rate, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return []models.Rate{{RateID: "RT-1", CarrierName: "GIG", AmountMinorUnits: 400000, Currency: "NGN"}}, nil
}

func newFakeShipments() *fakeShipments {
	carrierID := "CARR-99"
	return &fakeShipments{byID: map[int]*models.Shipment{
		1: {ID: 1, UserID: 7, Status: models.ShipmentStatusPending, CarrierShipmentID: &carrierID},
		2: {ID: 2, UserID: 8, Status: models.ShipmentStatusPending},
	}}
}

func setupShipmentTest(t *testing.T, shipments *fakeShipments, lifecycle *fakeLifecycle, carrier *fakeCarrierSetup) *gin.Engine {
	handler := NewShipmentHandler(shipments, shipments, lifecycle, carrier, carrier, zaptest.NewLogger(t))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(asUser(7, "ada@example.com"))
	router.GET("/shipments", handler.List)
	router.GET("/shipments/:id", handler.Get)
	router.POST("/shipments/:id/cancel", handler.Cancel)
	router.GET("/shipments/:id/tracking", handler.Tracking)
	router.POST("/shipments/rates", handler.Rates)
	router.POST("/shipments/addresses", handler.CreateAddress)
	router.POST("/shipments/parcels", handler.CreateParcel)
	router.DELETE("/admin/shipments/:id", handler.Delete)
	return router
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestShipmentHandler_List_OnlyOwnShipments(t *testing.T) {
	router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{}, &fakeCarrierSetup{})

	w := do(router, "GET", "/shipments")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	assert.Equal(t, 1.0, decode(t, w)["count"])
}

func TestShipmentHandler_List_DatabaseError(t *testing.T) {
	shipments := newFakeShipments()
	shipments.listErr = fmt.Errorf("connection reset")
	router := setupShipmentTest(t, shipments, &fakeLifecycle{}, &fakeCarrierSetup{})

	w := do(router, "GET", "/shipments")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestShipmentHandler_Get(t *testing.T) {
	router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{}, &fakeCarrierSetup{})

	if w := do(router, "GET", "/shipments/1"); w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w := do(router, "GET", "/shipments/2"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if w := do(router, "GET", "/shipments/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestShipmentHandler_Cancel(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	router := setupShipmentTest(t, newFakeShipments(), lifecycle, &fakeCarrierSetup{})

	w := do(router, "POST", "/shipments/1/cancel")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	assert.Equal(t, []int{1}, lifecycle.cancelled)
}

func TestShipmentHandler_Cancel_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", saga.ErrNotFound, http.StatusNotFound},
		{"not cancellable", fmt.Errorf("%w: status is in_transit", saga.ErrNotCancellable), http.StatusConflict},
		{"carrier down", fmt.Errorf("cancel at carrier: %w", terminal.ErrCarrierUnavailable), http.StatusServiceUnavailable},
		{"carrier refused", fmt.Errorf("cancel at carrier: %w", terminal.ErrCarrierRejected), http.StatusConflict},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{cancelErr: tt.err}, &fakeCarrierSetup{})

			w := do(router, "POST", "/shipments/1/cancel")

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestShipmentHandler_Tracking(t *testing.T) {
	lifecycle := &fakeLifecycle{info: &models.TrackingInfo{
		CarrierShipmentID: "CARR-99",
		Status:            models.ShipmentStatusInTransit,
		Events: []models.TrackingEvent{
			{Status: models.ShipmentStatusInTransit, RawStatus: "in-transit"},
		},
	}}
	router := setupShipmentTest(t, newFakeShipments(), lifecycle, &fakeCarrierSetup{})

	w := do(router, "GET", "/shipments/1/tracking")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := decode(t, w)
	assert.Equal(t, "in_transit", body["status"])
	assert.Len(t, body["events"], 1)
}

func TestShipmentHandler_Tracking_CarrierDownFallsBackToStoredStatus(t *testing.T) {
	lifecycle := &fakeLifecycle{trackErr: fmt.Errorf("track: %w", terminal.ErrCarrierUnavailable)}
	router := setupShipmentTest(t, newFakeShipments(), lifecycle, &fakeCarrierSetup{})

	w := do(router, "GET", "/shipments/1/tracking")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := decode(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, true, body["stale"])
}

func TestShipmentHandler_Rates(t *testing.T) {
	carrier := &fakeCarrierSetup{}
	router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{}, carrier)

	w := postJSON(router, "/shipments/rates", gin.H{"address_from_id": "AD-1", "address_to_id": "AD-2", "parcel_id": "PC-1"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	assert.Equal(t, models.DefaultCurrency, carrier.query.Currency)
	assert.Len(t, decode(t, w)["rates"], 1)

	if w := postJSON(router, "/shipments/rates", gin.H{"address_from_id": "AD-1"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestShipmentHandler_CreateAddress(t *testing.T) {
	router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{}, &fakeCarrierSetup{})

	w := postJSON(router, "/shipments/addresses", models.Address{Name: "Ada", Line1: "1 Marina", City: "Lagos", Country: "NG"})

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d", http.StatusCreated, w.Code)
	}
	assert.Equal(t, "AD-1", decode(t, w)["address_id"])
}

func TestShipmentHandler_CreateParcel_CarrierRejected(t *testing.T) {
	carrier := &fakeCarrierSetup{err: fmt.Errorf("parcel: %w", terminal.ErrCarrierRejected)}
	router := setupShipmentTest(t, newFakeShipments(), &fakeLifecycle{}, carrier)

	w := postJSON(router, "/shipments/parcels", models.Parcel{WeightKg: 1, LengthCm: 10, WidthCm: 10, HeightCm: 10})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status %d, got %d", http.StatusUnprocessableEntity, w.Code)
	}
}

func TestShipmentHandler_Delete(t *testing.T) {
	shipments := newFakeShipments()
	router := setupShipmentTest(t, shipments, &fakeLifecycle{}, &fakeCarrierSetup{})

	w := do(router, "DELETE", "/admin/shipments/2")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	assert.Equal(t, []int{2}, shipments.deleted)
	assert.Equal(t, 8.0, decode(t, w)["user_id"])

	if w := do(router, "DELETE", "/admin/shipments/2"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}
