package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipment-svc/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("shipment not found")
	// ErrDuplicateReference means another shipment already holds the payment
	// reference. The unique index is the source of truth for this.
	ErrDuplicateReference = errors.New("payment reference already booked")
	// ErrStaleStatus means a conditional status update found the row in a
	// different state than expected.
	ErrStaleStatus = errors.New("shipment status changed concurrently")
)

const uniqueViolation = "23505"

const shipmentColumns = `id, user_id, carrier_shipment_id, tracking_id, status,
	sender, receiver, parcel, shipping, payment,
	label_url, tracking_url,
	payment_email_sent_at, shipment_email_sent_at, admin_notified_at,
	cancelled_at, created_at, updated_at`

type ShipmentStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewShipmentStore(db *sql.DB, logger *zap.Logger) *ShipmentStore {
	return &ShipmentStore{db: db, logger: logger}
}

// Create inserts the shipment and bumps the owner's shipment count in one
// transaction. It fills in ID and timestamps on s and returns the new count.
func (st *ShipmentStore) Create(ctx context.Context, s *models.Shipment) (int, error) {
	sender, receiver, parcel, shipping, payment, err := marshalSnapshots(s)
	if err != nil {
		return 0, err
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO shipments (user_id, carrier_shipment_id, tracking_id, status,
			sender, receiver, parcel, shipping, payment, payment_reference,
			label_url, tracking_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		s.UserID, s.CarrierShipmentID, s.TrackingID, s.Status,
		sender, receiver, parcel, shipping, payment, s.Payment.Reference,
		nullString(s.LabelURL), nullString(s.TrackingURL),
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateReference
		}
		return 0, fmt.Errorf("failed to insert shipment: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"UPDATE users SET shipment_count = shipment_count + 1 WHERE id = $1 RETURNING shipment_count",
		s.UserID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to update shipment count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit shipment: %w", err)
	}

	st.logger.Info("Shipment persisted",
		zap.Int("shipment_id", s.ID),
		zap.Int("user_id", s.UserID),
		zap.String("payment_reference", s.Payment.Reference),
	)
	return count, nil
}

func (st *ShipmentStore) GetByID(ctx context.Context, id int) (*models.Shipment, error) {
	row := st.db.QueryRowContext(ctx,
		"SELECT "+shipmentColumns+" FROM shipments WHERE id = $1", id)
	return scanShipment(row)
}

// GetForUser returns the shipment only when userID owns it.
func (st *ShipmentStore) GetForUser(ctx context.Context, id, userID int) (*models.Shipment, error) {
	row := st.db.QueryRowContext(ctx,
		"SELECT "+shipmentColumns+" FROM shipments WHERE id = $1 AND user_id = $2", id, userID)
	return scanShipment(row)
}

func (st *ShipmentStore) GetByPaymentReference(ctx context.Context, reference string) (*models.Shipment, error) {
	row := st.db.QueryRowContext(ctx,
		"SELECT "+shipmentColumns+" FROM shipments WHERE payment_reference = $1", reference)
	return scanShipment(row)
}

func (st *ShipmentStore) GetByCarrierID(ctx context.Context, carrierShipmentID string) (*models.Shipment, error) {
	row := st.db.QueryRowContext(ctx,
		"SELECT "+shipmentColumns+" FROM shipments WHERE carrier_shipment_id = $1", carrierShipmentID)
	return scanShipment(row)
}

func (st *ShipmentStore) ListByUser(ctx context.Context, userID int) ([]models.Shipment, error) {
	rows, err := st.db.QueryContext(ctx,
		"SELECT "+shipmentColumns+" FROM shipments WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shipments: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

// ListActive returns booked shipments that tracking ingestion still needs to
// poll. Never-polled rows come first, then the least recently polled.
func (st *ShipmentStore) ListActive(ctx context.Context, limit int) ([]models.Shipment, error) {
	rows, err := st.db.QueryContext(ctx,
		"SELECT "+shipmentColumns+` FROM shipments
		WHERE status NOT IN ('delivered', 'cancelled', 'draft')
			AND carrier_shipment_id IS NOT NULL
		ORDER BY tracked_at ASC NULLS FIRST, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active shipments: %w", err)
	}
	defer rows.Close()
	return scanShipments(rows)
}

// MarkTracked records a poll attempt so the shipment moves to the back of
// the ListActive queue. It leaves updated_at alone.
func (st *ShipmentStore) MarkTracked(ctx context.Context, id int, at time.Time) error {
	if _, err := st.db.ExecContext(ctx,
		"UPDATE shipments SET tracked_at = $1 WHERE id = $2", at, id); err != nil {
		return fmt.Errorf("failed to mark shipment tracked: %w", err)
	}
	return nil
}

// UpdateStatus moves a shipment from one status to another. The update only
// applies if the row is still in from.
func (st *ShipmentStore) UpdateStatus(ctx context.Context, id int, from, to models.ShipmentStatus) error {
	query := "UPDATE shipments SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3"
	if to == models.ShipmentStatusCancelled {
		query = "UPDATE shipments SET status = $1, cancelled_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3"
	}
	res, err := st.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update shipment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

var notificationColumns = map[models.NotificationKind]string{
	models.NotificationPaymentReceipt:       "payment_email_sent_at",
	models.NotificationShipmentConfirmation: "shipment_email_sent_at",
	models.NotificationAdminAlert:           "admin_notified_at",
}

// MarkNotificationSent claims the one-shot flag for kind. It reports false
// when the flag was already set, so a second dispatcher loses cleanly.
func (st *ShipmentStore) MarkNotificationSent(ctx context.Context, id int, kind models.NotificationKind, at time.Time) (bool, error) {
	col, ok := notificationColumns[kind]
	if !ok {
		return false, fmt.Errorf("notification kind %q has no flag", kind)
	}
	res, err := st.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE shipments SET %s = $1 WHERE id = $2 AND %s IS NULL", col, col),
		at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// ReleaseNotification clears a claim taken by MarkNotificationSent when the
// send failed. Only the claim stamped with at is cleared.
func (st *ShipmentStore) ReleaseNotification(ctx context.Context, id int, kind models.NotificationKind, at time.Time) error {
	col, ok := notificationColumns[kind]
	if !ok {
		return fmt.Errorf("notification kind %q has no flag", kind)
	}
	_, err := st.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE shipments SET %s = NULL WHERE id = $1 AND %s = $2", col, col),
		id, at)
	if err != nil {
		return fmt.Errorf("failed to release notification: %w", err)
	}
	return nil
}

func (st *ShipmentStore) ShipmentCount(ctx context.Context, userID int) (int, error) {
	var count int
	err := st.db.QueryRowContext(ctx,
		"SELECT shipment_count FROM users WHERE id = $1", userID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read shipment count: %w", err)
	}
	return count, nil
}

// Delete hard-deletes a shipment and decrements the owner's count. It returns
// the owner's id and updated count.
func (st *ShipmentStore) Delete(ctx context.Context, id int) (int, int, error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int
	err = tx.QueryRowContext(ctx, "DELETE FROM shipments WHERE id = $1 RETURNING user_id", id).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("failed to delete shipment: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"UPDATE users SET shipment_count = GREATEST(shipment_count - 1, 0) WHERE id = $1 RETURNING shipment_count",
		userID,
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("failed to update shipment count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return userID, count, nil
}

// RecordBookingFailure keeps a row for every paid booking that ended without
// a shipment so operators can follow up.
func (st *ShipmentStore) RecordBookingFailure(ctx context.Context, f *models.BookingFailure) error {
	err := st.db.QueryRowContext(ctx,
		`INSERT INTO booking_failures (user_id, payment_reference, outcome, reason, carrier_shipment_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		f.UserID, f.PaymentReference, f.Outcome, f.Reason, nullString(f.CarrierID),
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record booking failure: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var (
		s                                           models.Shipment
		carrierID, trackingID, labelURL, trackURL   sql.NullString
		sender, receiver, parcel, shipping, payment []byte
		paymentSent, shipmentSent, adminSent        sql.NullTime
		cancelledAt                                 sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &carrierID, &trackingID, &s.Status,
		&sender, &receiver, &parcel, &shipping, &payment,
		&labelURL, &trackURL,
		&paymentSent, &shipmentSent, &adminSent,
		&cancelledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan shipment: %w", err)
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{sender, &s.Sender},
		{receiver, &s.Receiver},
		{parcel, &s.Parcel},
		{shipping, &s.Shipping},
		{payment, &s.Payment},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("failed to decode shipment %d: %w", s.ID, err)
		}
	}

	s.CarrierShipmentID = stringPtr(carrierID)
	s.TrackingID = stringPtr(trackingID)
	s.LabelURL = labelURL.String
	s.TrackingURL = trackURL.String
	s.Notifications.PaymentEmailSentAt = timePtr(paymentSent)
	s.Notifications.ShipmentEmailSentAt = timePtr(shipmentSent)
	s.Notifications.AdminNotifiedAt = timePtr(adminSent)
	s.CancelledAt = timePtr(cancelledAt)
	return &s, nil
}

func scanShipments(rows *sql.Rows) ([]models.Shipment, error) {
	shipments := []models.Shipment{}
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		shipments = append(shipments, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shipments: %w", err)
	}
	return shipments, nil
}

func marshalSnapshots(s *models.Shipment) (sender, receiver, parcel, shipping, payment []byte, err error) {
	if sender, err = json.Marshal(s.Sender); err != nil {
		return
	}
	if receiver, err = json.Marshal(s.Receiver); err != nil {
		return
	}
	if parcel, err = json.Marshal(s.Parcel); err != nil {
		return
	}
	if shipping, err = json.Marshal(s.Shipping); err != nil {
		return
	}
	payment, err = json.Marshal(s.Payment)
	return
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
