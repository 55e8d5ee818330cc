package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shipment-svc/models"
	"shipment-svc/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const userQuery = "SELECT id, name, email, role, password_hash, created_at FROM users WHERE email = \\$1"

func setupAuthTest(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewAuthHandler(store.NewUserStore(db), "test-secret", logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/login", handler.Login)

	return db, mock, router
}

func postLogin(router *gin.Engine, email, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(models.LoginRequest{Email: email, Password: password})
	req := httptest.NewRequest("POST", "/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthHandler_Login_Success(t *testing.T) {
	db, mock, router := setupAuthTest(t)
	defer db.Close()

	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	mock.ExpectQuery(userQuery).
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role", "password_hash", "created_at"}).
			AddRow(1, "Ada", "ada@example.com", models.RoleUser, string(hashed), time.Now()))

	w := postLogin(router, "ada@example.com", "password123")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp models.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("Expected a token in the response")
	}
	if resp.User.Email != "ada@example.com" {
		t.Errorf("Expected user email ada@example.com, got %s", resp.User.Email)
	}
	if bytes.Contains(w.Body.Bytes(), hashed) {
		t.Error("Password hash leaked into the response")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	db, mock, router := setupAuthTest(t)
	defer db.Close()

	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	mock.ExpectQuery(userQuery).
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role", "password_hash", "created_at"}).
			AddRow(1, "Ada", "ada@example.com", models.RoleUser, string(hashed), time.Now()))

	w := postLogin(router, "ada@example.com", "wrong")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestAuthHandler_Login_UnknownUser(t *testing.T) {
	db, mock, router := setupAuthTest(t)
	defer db.Close()

	mock.ExpectQuery(userQuery).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	w := postLogin(router, "nobody@example.com", "password123")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestAuthHandler_Login_DatabaseError(t *testing.T) {
	db, mock, router := setupAuthTest(t)
	defer db.Close()

	mock.ExpectQuery(userQuery).
		WithArgs("ada@example.com").
		WillReturnError(sql.ErrConnDone)

	w := postLogin(router, "ada@example.com", "password123")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestAuthHandler_Login_InvalidBody(t *testing.T) {
	db, mock, router := setupAuthTest(t)
	defer db.Close()

	w := postLogin(router, "not-an-email", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database calls were made: %v", err)
	}
}
