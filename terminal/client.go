package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"shipment-svc/circuitbreaker"
	"shipment-svc/config"
	"shipment-svc/httpclient"
	"shipment-svc/models"
	"shipment-svc/resilience"

	"go.uber.org/zap"
)

type envelope struct {
	Status  *bool           `json:"status"`
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ok treats a missing flag as success; only an explicit false rejects.
func (e envelope) ok() bool {
	if e.Status != nil && !*e.Status {
		return false
	}
	if e.Success != nil && !*e.Success {
		return false
	}
	return true
}

// Client talks to the Terminal Africa shipping API.
type Client struct {
	api     *httpclient.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

func NewClient(cfg config.TerminalConfig, logger *zap.Logger) *Client {
	return &Client{
		api: httpclient.New(cfg.BaseURL, cfg.SecretKey, cfg.Timeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:            "terminal-africa",
			MaxFailures:     5,
			ResetTimeout:    30 * time.Second,
			CountsAsFailure: func(err error) bool { return errors.Is(err, ErrCarrierUnavailable) },
		}, logger),
		retry: resilience.RetryConfig{
			Name:          "terminal-africa",
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  time.Second,
			MaxDelay:      8 * time.Second,
			BackoffFactor: 2,
			Retryable:     retryable,
			Logger:        logger,
		},
		logger: logger,
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	return resilience.RetryWithResult(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		var data json.RawMessage
		err := c.breaker.Execute(ctx, func() error {
			var env envelope
			raw, err := c.api.Do(ctx, method, path, body, &env)
			if err != nil {
				return classify(err, raw)
			}
			if !env.ok() {
				return &APIError{Kind: ErrCarrierRejected, StatusCode: http.StatusOK, Message: env.Message}
			}
			data = env.Data
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, &APIError{Kind: ErrCarrierUnavailable, Message: "circuit open", cause: err}
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
}

// CreateAddress registers an address with the carrier and returns its id.
func (c *Client) CreateAddress(ctx context.Context, addr models.Address) (string, error) {
	first, last := splitName(addr.Name)
	body := map[string]any{
		"first_name":     first,
		"last_name":      last,
		"email":          addr.Email,
		"phone":          addr.Phone,
		"line1":          addr.Line1,
		"line2":          addr.Line2,
		"city":           addr.City,
		"state":          addr.State,
		"country":        strings.ToUpper(addr.Country),
		"zip":            addr.Zip,
		"is_residential": addr.IsResidential,
	}
	data, err := c.call(ctx, http.MethodPost, "/addresses", body)
	if err != nil {
		return "", err
	}
	o, err := decodeObject(data)
	if err != nil {
		return "", err
	}
	return o.id("address", "address_id", "id", "_id")
}

// CreateParcel registers a parcel. Missing item and dimension values get the
// carrier-friendly defaults.
func (c *Client) CreateParcel(ctx context.Context, parcel models.Parcel) (string, error) {
	items := make([]map[string]any, 0, len(parcel.Items))
	for _, it := range parcel.Items {
		name := firstNonEmpty(it.Name, it.Description, "Item")
		qty := it.Quantity
		if qty < 1 {
			qty = 1
		}
		weight := it.WeightKg
		if weight <= 0 {
			weight = 1
		}
		items = append(items, map[string]any{
			"name":        name,
			"description": firstNonEmpty(it.Description, name),
			"currency":    firstNonEmpty(it.Currency, models.DefaultCurrency),
			"value":       models.MajorUnits(it.ValueMinorUnits),
			"quantity":    qty,
			"weight":      weight,
		})
	}
	if len(items) == 0 {
		items = append(items, map[string]any{
			"name": "Item", "description": "Item", "currency": models.DefaultCurrency,
			"value": 0, "quantity": 1, "weight": 1,
		})
	}

	body := map[string]any{
		"description": firstNonEmpty(parcel.Description, "Parcel"),
		"weight_unit": "kg",
		"items":       items,
		"packaging": map[string]any{
			"weight":      orDefault(parcel.WeightKg, 1),
			"length":      orDefault(parcel.LengthCm, 10),
			"width":       orDefault(parcel.WidthCm, 10),
			"height":      orDefault(parcel.HeightCm, 10),
			"size_unit":   "cm",
			"weight_unit": "kg",
		},
	}
	data, err := c.call(ctx, http.MethodPost, "/parcels", body)
	if err != nil {
		return "", err
	}
	o, err := decodeObject(data)
	if err != nil {
		return "", err
	}
	return o.id("parcel", "parcel_id", "id", "_id", "parcelId")
}

type RateQuery struct {
	AddressFromID string
	AddressToID   string
	ParcelID      string
	Currency      string
}

// GetRates returns the available quotes cheapest first.
func (c *Client) GetRates(ctx context.Context, q RateQuery) ([]models.Rate, error) {
	params := url.Values{}
	params.Set("pickup_address", q.AddressFromID)
	params.Set("delivery_address", q.AddressToID)
	params.Set("parcel_id", q.ParcelID)
	params.Set("currency", firstNonEmpty(q.Currency, models.DefaultCurrency))

	data, err := c.call(ctx, http.MethodGet, "/rates/shipment?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, malformed("expected rate list: %v", err)
	}
	rates := make([]models.Rate, 0, len(list))
	for _, item := range list {
		r, err := normalizeRate(object(item))
		if err != nil {
			c.logger.Warn("Skipping rate without id", zap.Error(err))
			continue
		}
		rates = append(rates, r)
	}
	sort.SliceStable(rates, func(i, j int) bool {
		return rates[i].AmountMinorUnits < rates[j].AmountMinorUnits
	})
	return rates, nil
}

// CreateShipment books a shipment from existing address, parcel and rate ids
// and then arranges pickup for the chosen rate.
func (c *Client) CreateShipment(ctx context.Context, req models.CarrierShipmentRequest) (*models.CarrierShipment, error) {
	if req.AddressFromID == "" || req.AddressToID == "" || req.ParcelID == "" {
		return nil, &APIError{Kind: ErrCarrierRejected, Message: "address_from, address_to and parcel are required"}
	}

	metadata := map[string]string{"created_via": "quickshipafrica"}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	purpose := firstNonEmpty(req.Metadata["shipment_purpose"], "commercial")

	body := map[string]any{
		"address_from":     req.AddressFromID,
		"address_to":       req.AddressToID,
		"parcel":           req.ParcelID,
		"shipment_purpose": purpose,
		"metadata":         metadata,
	}
	if req.RateID != "" {
		body["rate"] = req.RateID
	}

	data, err := c.call(ctx, http.MethodPost, "/shipments", body)
	if err != nil {
		return nil, err
	}
	o, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	shipment, err := normalizeShipment(o)
	if err != nil {
		return nil, err
	}

	if req.RateID != "" {
		if err := c.arrangePickup(ctx, shipment, req.RateID); err != nil {
			c.logger.Warn("Shipment created but pickup arrangement failed",
				zap.String("carrier_shipment_id", shipment.CarrierShipmentID),
				zap.String("rate_id", req.RateID),
				zap.Error(err),
			)
			return nil, &PurchaseError{CarrierShipmentID: shipment.CarrierShipmentID, Err: err}
		}
	}

	c.logger.Info("Carrier shipment created",
		zap.String("carrier_shipment_id", shipment.CarrierShipmentID),
		zap.String("tracking_id", shipment.TrackingID),
		zap.String("status", string(shipment.Status)),
	)
	return shipment, nil
}

// arrangePickup purchases the rate. Fields it returns (tracking number, label)
// overwrite the draft values.
func (c *Client) arrangePickup(ctx context.Context, s *models.CarrierShipment, rateID string) error {
	data, err := c.call(ctx, http.MethodPost, "/shipments/pickup", map[string]string{
		"shipment_id": s.CarrierShipmentID,
		"rate_id":     rateID,
	})
	if err != nil {
		return err
	}
	o, err := decodeObject(data)
	if err != nil {
		return err
	}
	if purchased, err := normalizeShipment(o); err == nil {
		s.TrackingID = firstNonEmpty(purchased.TrackingID, s.TrackingID)
		s.LabelURL = firstNonEmpty(purchased.LabelURL, s.LabelURL)
		s.TrackingURL = firstNonEmpty(purchased.TrackingURL, s.TrackingURL)
		s.CarrierName = firstNonEmpty(purchased.CarrierName, s.CarrierName)
		if purchased.RawStatus != "" {
			s.Status = purchased.Status
			s.RawStatus = purchased.RawStatus
		}
		if !purchased.EstimatedDelivery.IsZero() {
			s.EstimatedDelivery = purchased.EstimatedDelivery
		}
	}
	return nil
}

// Track fetches the carrier's tracking state. Events come back newest first.
func (c *Client) Track(ctx context.Context, carrierShipmentID string) (*models.TrackingInfo, error) {
	data, err := c.call(ctx, http.MethodGet, "/shipments/track/"+url.PathEscape(carrierShipmentID), nil)
	if err != nil {
		return nil, err
	}
	o, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return normalizeTracking(carrierShipmentID, o), nil
}

func (c *Client) CancelShipment(ctx context.Context, carrierShipmentID string) error {
	_, err := c.call(ctx, http.MethodPost, "/shipments/"+url.PathEscape(carrierShipmentID)+"/cancel", nil)
	if err != nil {
		return err
	}
	c.logger.Info("Carrier shipment cancelled", zap.String("carrier_shipment_id", carrierShipmentID))
	return nil
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
