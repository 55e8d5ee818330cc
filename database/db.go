package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shipment-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'user',
		shipment_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS shipments (
		id SERIAL PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		carrier_shipment_id VARCHAR(255),
		tracking_id VARCHAR(255),
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		sender JSONB NOT NULL,
		receiver JSONB NOT NULL,
		parcel JSONB NOT NULL,
		shipping JSONB NOT NULL,
		payment JSONB NOT NULL,
		payment_reference VARCHAR(255) NOT NULL,
		label_url TEXT,
		tracking_url TEXT,
		payment_email_sent_at TIMESTAMP,
		shipment_email_sent_at TIMESTAMP,
		admin_notified_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS shipments_payment_reference_key ON shipments (payment_reference)`,
	`CREATE INDEX IF NOT EXISTS shipments_user_id_idx ON shipments (user_id)`,
	`CREATE INDEX IF NOT EXISTS shipments_status_idx ON shipments (status)`,
	`ALTER TABLE shipments ADD COLUMN IF NOT EXISTS tracked_at TIMESTAMP`,
	`CREATE INDEX IF NOT EXISTS shipments_tracked_at_idx ON shipments (tracked_at NULLS FIRST)`,
	`CREATE TABLE IF NOT EXISTS booking_failures (
		id SERIAL PRIMARY KEY,
		user_id INTEGER NOT NULL,
		payment_reference VARCHAR(255) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		carrier_shipment_id VARCHAR(255),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate creates the tables and indexes the service needs. Every statement
// is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
