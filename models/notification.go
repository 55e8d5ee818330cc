package models

type NotificationKind string

const (
	NotificationPaymentReceipt       NotificationKind = "payment_receipt"
	NotificationShipmentConfirmation NotificationKind = "shipment_confirmation"
	NotificationStatusChange         NotificationKind = "status_change"
	NotificationAdminAlert           NotificationKind = "admin_alert"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case NotificationPaymentReceipt, NotificationShipmentConfirmation,
		NotificationStatusChange, NotificationAdminAlert:
		return true
	}
	return false
}

// TemplateData feeds the email templates. Amounts are already formatted for
// display.
type TemplateData struct {
	CustomerName      string
	CustomerEmail     string
	ShipmentID        int
	CarrierShipmentID string
	TrackingID        string
	TrackingURL       string
	LabelURL          string
	CarrierName       string
	Service           string
	Amount            string
	ShippingCost      string
	ServiceFee        string
	PaymentReference  string
	PaymentChannel    string
	PaidAt            string
	EstimatedDelivery string
	SenderSummary     string
	ReceiverSummary   string
	OldStatus         string
	NewStatus         string
	FrontendURL       string
}
