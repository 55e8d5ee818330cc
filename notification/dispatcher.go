package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"shipment-svc/config"
	"shipment-svc/httpclient"
	"shipment-svc/models"
	"shipment-svc/resilience"

	"go.uber.org/zap"
)

// DevModeID is returned instead of a provider id when no API key is set.
const DevModeID = "dev-mode"

var (
	ErrTransient   = errors.New("mail provider temporarily unavailable")
	ErrValidation  = errors.New("mail provider rejected message")
	ErrRateLimited = errors.New("mail provider rate limit reached")
	ErrUnknownKind = errors.New("unknown notification kind")
)

type APIError struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("resend: %v (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// Dispatcher sends transactional email through the Resend API.
type Dispatcher struct {
	api        *httpclient.Client
	from       string
	adminEmail string
	devMode    bool
	retry      resilience.RetryConfig
	templates  map[models.NotificationKind]compiled
	logger     *zap.Logger
}

func NewDispatcher(cfg config.ResendConfig, logger *zap.Logger) (*Dispatcher, error) {
	templates, err := compileTemplates()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		api:        httpclient.New(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		from:       cfg.From,
		adminEmail: cfg.AdminEmail,
		devMode:    cfg.APIKey == "",
		retry: resilience.RetryConfig{
			Name:          "resend",
			MaxAttempts:   cfg.MaxRetries + 1,
			InitialDelay:  cfg.RetryDelay,
			BackoffFactor: 2,
			Retryable:     func(err error) bool { return errors.Is(err, ErrTransient) },
			Logger:        logger,
		},
		templates: templates,
		logger:    logger,
	}
	if d.devMode {
		logger.Warn("RESEND_API_KEY not set, emails will be logged instead of sent")
	}
	return d, nil
}

func (d *Dispatcher) AdminEmail() string {
	return d.adminEmail
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send renders kind for data and delivers it to recipient. It returns the
// provider's delivery id.
func (d *Dispatcher) Send(ctx context.Context, kind models.NotificationKind, recipient string, data models.TemplateData) (string, error) {
	tmpl, ok := d.templates[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(recipient) == "" {
		return "", &APIError{Kind: ErrValidation, Message: "recipient is required"}
	}
	subject, html, err := tmpl.render(data)
	if err != nil {
		return "", fmt.Errorf("failed to render %s: %w", kind, err)
	}

	if d.devMode {
		d.logger.Info("Email not sent (dev mode)",
			zap.String("kind", string(kind)),
			zap.String("to", recipient),
			zap.String("subject", subject),
		)
		return DevModeID, nil
	}

	req := sendRequest{From: d.from, To: []string{recipient}, Subject: subject, HTML: html}
	id, err := resilience.RetryWithResult(ctx, d.retry, func(ctx context.Context) (string, error) {
		var resp struct {
			ID string `json:"id"`
		}
		raw, err := d.api.Do(ctx, http.MethodPost, "/emails", req, &resp)
		if err != nil {
			return "", classify(err, raw)
		}
		return resp.ID, nil
	})
	if err != nil {
		d.logger.Warn("Email delivery failed",
			zap.String("kind", string(kind)),
			zap.String("to", recipient),
			zap.Error(err),
		)
		return "", err
	}

	d.logger.Info("Email sent",
		zap.String("kind", string(kind)),
		zap.String("to", recipient),
		zap.String("delivery_id", id),
	)
	return id, nil
}

func classify(err error, body []byte) error {
	status := httpclient.Status(err)
	switch {
	case httpclient.IsTransport(err), status == 0:
		return &APIError{Kind: ErrTransient, Message: err.Error()}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: ErrRateLimited, StatusCode: status, Message: string(body)}
	case status >= 500:
		return &APIError{Kind: ErrTransient, StatusCode: status, Message: string(body)}
	}
	return &APIError{Kind: ErrValidation, StatusCode: status, Message: string(body)}
}
