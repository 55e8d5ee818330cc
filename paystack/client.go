package paystack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shipment-svc/config"
	"shipment-svc/httpclient"
	"shipment-svc/models"
	"shipment-svc/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ReferencePrefix = "QS-"

var defaultChannels = []string{"card", "bank_transfer", "ussd"}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	api         *httpclient.Client
	retry       resilience.RetryConfig
	callbackURL string
	logger      *zap.Logger
}

func NewClient(cfg config.PaystackConfig, frontendURL string, logger *zap.Logger) *Client {
	return &Client{
		api: httpclient.New(cfg.BaseURL, cfg.SecretKey, cfg.Timeout),
		retry: resilience.RetryConfig{
			Name:          "paystack",
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      4 * time.Second,
			BackoffFactor: 2,
			Retryable:     retryable,
			Logger:        logger,
		},
		callbackURL: strings.TrimRight(frontendURL, "/") + "/payment-callback",
		logger:      logger,
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	return resilience.RetryWithResult(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		var env envelope
		raw, err := c.api.Do(ctx, method, path, body, &env)
		if err != nil {
			return nil, classify(err, raw)
		}
		if !env.Status {
			return nil, rejection(http.StatusOK, env.Message)
		}
		return env.Data, nil
	})
}

type InitializeRequest struct {
	Email            string
	AmountMinorUnits int64
	Currency         string
	Reference        string
	Metadata         map[string]any
}

// Initialize starts a checkout and returns the hosted payment URL. A
// reference is generated when the caller does not supply one.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*models.InitializeResult, error) {
	if req.Email == "" || req.AmountMinorUnits <= 0 {
		return nil, fmt.Errorf("%w: email and a positive amount are required", ErrInvalidRequest)
	}
	if req.Reference == "" {
		req.Reference = ReferencePrefix + uuid.NewString()
	}
	if req.Currency == "" {
		req.Currency = models.DefaultCurrency
	}

	body := map[string]any{
		"email":        req.Email,
		"amount":       req.AmountMinorUnits,
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": c.callbackURL,
		"channels":     defaultChannels,
		"metadata":     req.Metadata,
	}

	data, err := c.call(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	var result models.InitializeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize response: %v", ErrGatewayUnavailable, err)
	}
	if result.Reference == "" {
		result.Reference = req.Reference
	}

	c.logger.Info("Payment initialized",
		zap.String("reference", result.Reference),
		zap.Int64("amount_minor", req.AmountMinorUnits),
	)
	return &result, nil
}

type verifyData struct {
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Channel   string    `json:"channel"`
	PaidAt    string    `json:"paid_at"`
	PaidAtAlt string    `json:"paidAt"`
	Customer  *customer `json:"customer"`
	Auth      *struct {
		Code     string `json:"authorization_code"`
		CardType string `json:"card_type"`
		Bank     string `json:"bank"`
		Brand    string `json:"brand"`
	} `json:"authorization"`
}

type customer struct {
	Email string `json:"email"`
}

// Verify asks the gateway for the authoritative state of a transaction.
func (c *Client) Verify(ctx context.Context, reference string) (*models.PaymentResult, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	data, err := c.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var v verifyData
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: malformed verify response: %v", ErrGatewayUnavailable, err)
	}
	raw := map[string]any{}
	_ = json.Unmarshal(data, &raw)

	result := &models.PaymentResult{
		Reference:        v.Reference,
		Status:           normalizeStatus(v.Status),
		AmountMinorUnits: v.Amount,
		Currency:         v.Currency,
		Channel:          v.Channel,
		RawProvider:      raw,
	}
	if result.Reference == "" {
		result.Reference = reference
	}
	if result.Currency == "" {
		result.Currency = models.DefaultCurrency
	}
	if v.Customer != nil {
		result.CustomerEmail = v.Customer.Email
	}
	if v.Auth != nil {
		result.Authorization = models.Authorization{
			Code:     v.Auth.Code,
			CardType: v.Auth.CardType,
			Bank:     v.Auth.Bank,
			Brand:    v.Auth.Brand,
		}
	}
	if result.Status == models.PaymentStatusSuccess {
		result.PaidAt = parsePaidAt(v.PaidAt, v.PaidAtAlt)
	}

	c.logger.Info("Payment verified",
		zap.String("reference", result.Reference),
		zap.String("status", string(result.Status)),
		zap.Int64("amount_minor", result.AmountMinorUnits),
	)
	return result, nil
}

func normalizeStatus(raw string) models.PaymentStatus {
	switch strings.ToLower(raw) {
	case "success":
		return models.PaymentStatusSuccess
	case "failed", "abandoned":
		return models.PaymentStatusFailed
	case "reversed":
		return models.PaymentStatusRefunded
	}
	return models.PaymentStatusPending
}

func parsePaidAt(values ...string) *time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	now := time.Now().UTC()
	return &now
}

// Refund returns amountMinorUnits of the transaction to the customer. A
// transaction the gateway reports as already reversed yields
// ErrAlreadyRefunded, which callers may treat as success.
func (c *Client) Refund(ctx context.Context, reference string, amountMinorUnits int64, reason string) (*models.RefundResult, error) {
	if reference == "" || amountMinorUnits <= 0 {
		return nil, fmt.Errorf("%w: reference and a positive amount are required", ErrInvalidRequest)
	}
	if reason == "" {
		reason = "Shipment booking failed"
	}

	body := map[string]any{
		"transaction":   reference,
		"amount":        amountMinorUnits,
		"merchant_note": reason,
	}
	data, err := c.call(ctx, http.MethodPost, "/refund", body)
	if err != nil {
		c.logger.Error("Refund failed",
			zap.String("reference", reference),
			zap.Int64("amount_minor", amountMinorUnits),
			zap.Error(err),
		)
		return nil, err
	}

	var r struct {
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	_ = json.Unmarshal(data, &r)

	result := &models.RefundResult{
		Reference:        reference,
		Status:           r.Status,
		AmountMinorUnits: amountMinorUnits,
		Currency:         r.Currency,
		RefundedAt:       time.Now().UTC(),
	}
	if r.Amount > 0 {
		result.AmountMinorUnits = r.Amount
	}
	if result.Currency == "" {
		result.Currency = models.DefaultCurrency
	}

	c.logger.Info("Refund issued",
		zap.String("reference", reference),
		zap.Int64("amount_minor", result.AmountMinorUnits),
		zap.String("status", result.Status),
	)
	return result, nil
}
