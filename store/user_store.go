package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shipment-svc/models"
)

var ErrUserNotFound = errors.New("user not found")

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (us *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := us.db.QueryRowContext(ctx,
		"SELECT id, name, email, role, password_hash, created_at FROM users WHERE email = $1",
		email,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (us *UserStore) GetByID(ctx context.Context, id int) (*models.User, error) {
	var user models.User
	err := us.db.QueryRowContext(ctx,
		"SELECT id, name, email, role, password_hash, created_at FROM users WHERE id = $1",
		id,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}
