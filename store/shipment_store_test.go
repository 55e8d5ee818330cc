package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"shipment-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func setupStoreTest(t *testing.T) (*ShipmentStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	return NewShipmentStore(db, logger), mock
}

func newShipment() *models.Shipment {
	carrierID := "SH-99"
	trackingID := "TRK-99"
	return &models.Shipment{
		UserID:            7,
		CarrierShipmentID: &carrierID,
		TrackingID:        &trackingID,
		Status:            models.ShipmentStatusPending,
		Sender:            models.Address{Name: "Ada", Line1: "1 Marina", City: "Lagos", Country: "NG"},
		Receiver:          models.Address{Name: "Bayo", Line1: "2 Ring Rd", City: "Ibadan", Country: "NG"},
		Payment: models.ShipmentPayment{
			Status:           models.PaymentStatusPaid,
			AmountMinorUnits: 5000,
			Currency:         "NGN",
			Reference:        "PAY-1",
		},
	}
}

func shipmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "carrier_shipment_id", "tracking_id", "status",
		"sender", "receiver", "parcel", "shipping", "payment",
		"label_url", "tracking_url",
		"payment_email_sent_at", "shipment_email_sent_at", "admin_notified_at",
		"cancelled_at", "created_at", "updated_at",
	})
}

func TestShipmentStore_Create_Success(t *testing.T) {
	st, mock := setupStoreTest(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO shipments").
		WithArgs(7, "SH-99", "TRK-99", "pending",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"PAY-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery("UPDATE users SET shipment_count = shipment_count \\+ 1").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"shipment_count"}).AddRow(3))
	mock.ExpectCommit()

	s := newShipment()
	count, err := st.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if s.ID != 42 {
		t.Errorf("Expected id 42, got %d", s.ID)
	}
	if count != 3 {
		t.Errorf("Expected count 3, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_Create_DuplicateReference(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO shipments").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := st.Create(context.Background(), newShipment())
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("Expected ErrDuplicateReference, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_GetByPaymentReference(t *testing.T) {
	st, mock := setupStoreTest(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM shipments WHERE payment_reference = \\$1").
		WithArgs("PAY-1").
		WillReturnRows(shipmentRows().AddRow(
			42, 7, "SH-99", "TRK-99", "pending",
			[]byte(`{"name":"Ada","address":"1 Marina","city":"Lagos","country":"NG"}`),
			[]byte(`{"name":"Bayo","address":"2 Ring Rd","city":"Ibadan","country":"NG"}`),
			[]byte(`{"weight":1,"length":10,"width":10,"height":10,"items":[]}`),
			[]byte(`{"carrier_name":"DHL","estimated_delivery":"Within 7 days"}`),
			[]byte(`{"status":"paid","amount_minor_units":5000,"currency":"NGN","reference":"PAY-1"}`),
			"https://label", nil,
			now, nil, nil,
			nil, now, now,
		))

	s, err := st.GetByPaymentReference(context.Background(), "PAY-1")
	if err != nil {
		t.Fatalf("GetByPaymentReference returned error: %v", err)
	}
	if s.CarrierID() != "SH-99" {
		t.Errorf("Expected carrier id SH-99, got %s", s.CarrierID())
	}
	if s.Payment.AmountMinorUnits != 5000 {
		t.Errorf("Expected amount 5000, got %d", s.Payment.AmountMinorUnits)
	}
	if s.Shipping.EstimatedDelivery.Text != "Within 7 days" {
		t.Errorf("Expected descriptive estimate, got %+v", s.Shipping.EstimatedDelivery)
	}
	if !s.Notifications.PaymentEmailSent() || s.Notifications.ShipmentEmailSent() {
		t.Errorf("Unexpected notification flags: %+v", s.Notifications)
	}
	if s.TrackingURL != "" {
		t.Errorf("Expected empty tracking url, got %s", s.TrackingURL)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_GetByPaymentReference_NotFound(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectQuery("SELECT (.+) FROM shipments WHERE payment_reference = \\$1").
		WithArgs("PAY-404").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetByPaymentReference(context.Background(), "PAY-404")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestShipmentStore_UpdateStatus_Stale(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectExec("UPDATE shipments SET status = \\$1").
		WithArgs("in_transit", 42, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdateStatus(context.Background(), 42, models.ShipmentStatusPending, models.ShipmentStatusInTransit)
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("Expected ErrStaleStatus, got %v", err)
	}
}

func TestShipmentStore_UpdateStatus_CancelStampsTime(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectExec("UPDATE shipments SET status = \\$1, cancelled_at = CURRENT_TIMESTAMP").
		WithArgs("cancelled", 42, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateStatus(context.Background(), 42, models.ShipmentStatusPending, models.ShipmentStatusCancelled); err != nil {
		t.Errorf("UpdateStatus returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_MarkNotificationSent(t *testing.T) {
	st, mock := setupStoreTest(t)
	at := time.Now()

	mock.ExpectExec("UPDATE shipments SET shipment_email_sent_at = \\$1 WHERE id = \\$2 AND shipment_email_sent_at IS NULL").
		WithArgs(at, 42).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE shipments SET shipment_email_sent_at = \\$1 WHERE id = \\$2 AND shipment_email_sent_at IS NULL").
		WithArgs(at, 42).
		WillReturnResult(sqlmock.NewResult(0, 0))

	set, err := st.MarkNotificationSent(context.Background(), 42, models.NotificationShipmentConfirmation, at)
	if err != nil || !set {
		t.Errorf("Expected first mark to set the flag, got set=%v err=%v", set, err)
	}
	set, err = st.MarkNotificationSent(context.Background(), 42, models.NotificationShipmentConfirmation, at)
	if err != nil || set {
		t.Errorf("Expected second mark to be a no-op, got set=%v err=%v", set, err)
	}

	if _, err := st.MarkNotificationSent(context.Background(), 42, models.NotificationStatusChange, at); err == nil {
		t.Error("Expected error for status change kind, got nil")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_ReleaseNotification(t *testing.T) {
	st, mock := setupStoreTest(t)
	at := time.Now()

	mock.ExpectExec("UPDATE shipments SET payment_email_sent_at = NULL WHERE id = \\$1 AND payment_email_sent_at = \\$2").
		WithArgs(42, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.ReleaseNotification(context.Background(), 42, models.NotificationPaymentReceipt, at); err != nil {
		t.Errorf("ReleaseNotification returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_ListActive_LeastRecentlyTrackedFirst(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectQuery("(?s)SELECT (.+) FROM shipments\\s+WHERE status NOT IN (.+)ORDER BY tracked_at ASC NULLS FIRST, id ASC\\s+LIMIT \\$1").
		WithArgs(50).
		WillReturnRows(shipmentRows())

	shipments, err := st.ListActive(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(shipments) != 0 {
		t.Errorf("Expected no shipments, got %d", len(shipments))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_MarkTracked(t *testing.T) {
	st, mock := setupStoreTest(t)
	at := time.Now()

	mock.ExpectExec("UPDATE shipments SET tracked_at = \\$1 WHERE id = \\$2").
		WithArgs(at, 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkTracked(context.Background(), 42, at); err != nil {
		t.Errorf("MarkTracked returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_Delete(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM shipments WHERE id = \\$1 RETURNING user_id").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(7))
	mock.ExpectQuery("UPDATE users SET shipment_count = GREATEST").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"shipment_count"}).AddRow(2))
	mock.ExpectCommit()

	userID, count, err := st.Delete(context.Background(), 42)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if userID != 7 || count != 2 {
		t.Errorf("Expected owner 7 with count 2, got %d/%d", userID, count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestShipmentStore_Delete_NotFound(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM shipments").
		WithArgs(404).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := st.Delete(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestShipmentStore_RecordBookingFailure(t *testing.T) {
	st, mock := setupStoreTest(t)

	mock.ExpectQuery("INSERT INTO booking_failures").
		WithArgs(7, "PAY-1", "refunded", "carrier unavailable", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	f := &models.BookingFailure{UserID: 7, PaymentReference: "PAY-1", Outcome: "refunded", Reason: "carrier unavailable"}
	if err := st.RecordBookingFailure(context.Background(), f); err != nil {
		t.Fatalf("RecordBookingFailure returned error: %v", err)
	}
	if f.ID != 1 {
		t.Errorf("Expected id 1, got %d", f.ID)
	}
}
