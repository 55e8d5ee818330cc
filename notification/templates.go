package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"shipment-svc/models"
)

const layout = `<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#1f2937;max-width:600px;margin:0 auto">
<div style="background:#0f766e;color:#fff;padding:16px 24px"><h2 style="margin:0">QuickShipAfrica</h2></div>
<div style="padding:24px">{{template "body" .}}</div>
<div style="padding:12px 24px;font-size:12px;color:#6b7280">Questions? Reply to this email or visit {{.FrontendURL}}</div>
</body></html>`

var bodies = map[models.NotificationKind]string{
	models.NotificationPaymentReceipt: `
<p>Hi {{.CustomerName}},</p>
<p>We received your payment of <strong>{{.Amount}}</strong>.</p>
<table>
<tr><td>Reference</td><td>{{.PaymentReference}}</td></tr>
<tr><td>Channel</td><td>{{.PaymentChannel}}</td></tr>
<tr><td>Paid at</td><td>{{.PaidAt}}</td></tr>
<tr><td>Shipping</td><td>{{.ShippingCost}}</td></tr>
<tr><td>Service fee</td><td>{{.ServiceFee}}</td></tr>
</table>`,
	models.NotificationShipmentConfirmation: `
<p>Hi {{.CustomerName}},</p>
<p>Your shipment <strong>#{{.ShipmentID}}</strong> has been booked with {{.CarrierName}} ({{.Service}}).</p>
<table>
<tr><td>Tracking number</td><td>{{.TrackingID}}</td></tr>
<tr><td>From</td><td>{{.SenderSummary}}</td></tr>
<tr><td>To</td><td>{{.ReceiverSummary}}</td></tr>
<tr><td>Estimated delivery</td><td>{{.EstimatedDelivery}}</td></tr>
</table>
{{if .TrackingURL}}<p><a href="{{.TrackingURL}}">Track your shipment</a></p>{{end}}
{{if .LabelURL}}<p><a href="{{.LabelURL}}">Download shipping label</a></p>{{end}}`,
	models.NotificationStatusChange: `
<p>Hi {{.CustomerName}},</p>
<p>Shipment <strong>#{{.ShipmentID}}</strong> moved from <em>{{.OldStatus}}</em> to <strong>{{.NewStatus}}</strong>.</p>
{{if .TrackingURL}}<p><a href="{{.TrackingURL}}">Track your shipment</a></p>{{end}}`,
	models.NotificationAdminAlert: `
<p>New shipment <strong>#{{.ShipmentID}}</strong> booked by {{.CustomerName}} ({{.CustomerEmail}}).</p>
<table>
<tr><td>Carrier</td><td>{{.CarrierName}} / {{.CarrierShipmentID}}</td></tr>
<tr><td>Tracking</td><td>{{.TrackingID}}</td></tr>
<tr><td>Payment</td><td>{{.Amount}} ({{.PaymentReference}})</td></tr>
<tr><td>Shipping</td><td>{{.ShippingCost}}</td></tr>
<tr><td>Service fee</td><td>{{.ServiceFee}}</td></tr>
<tr><td>Route</td><td>{{.SenderSummary}} to {{.ReceiverSummary}}</td></tr>
</table>`,
}

var subjects = map[models.NotificationKind]string{
	models.NotificationPaymentReceipt:       "Payment received - {{.PaymentReference}}",
	models.NotificationShipmentConfirmation: "Your shipment #{{.ShipmentID}} is booked",
	models.NotificationStatusChange:         "Shipment #{{.ShipmentID}} is now {{.NewStatus}}",
	models.NotificationAdminAlert:           "New shipment booked: #{{.ShipmentID}}",
}

type compiled struct {
	subject *texttemplate.Template
	body    *template.Template
}

func compileTemplates() (map[models.NotificationKind]compiled, error) {
	out := make(map[models.NotificationKind]compiled, len(bodies))
	for kind, body := range bodies {
		b, err := template.New(string(kind)).Parse(layout)
		if err != nil {
			return nil, fmt.Errorf("failed to parse layout for %s: %w", kind, err)
		}
		if _, err := b.New("body").Parse(body); err != nil {
			return nil, fmt.Errorf("failed to parse body for %s: %w", kind, err)
		}
		s, err := texttemplate.New(string(kind) + "_subject").Parse(subjects[kind])
		if err != nil {
			return nil, fmt.Errorf("failed to parse subject for %s: %w", kind, err)
		}
		out[kind] = compiled{subject: s, body: b}
	}
	return out, nil
}

func (c compiled) render(data models.TemplateData) (string, string, error) {
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return "", "", err
	}
	if err := c.body.Execute(&body, data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}
