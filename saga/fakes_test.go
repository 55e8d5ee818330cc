package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"shipment-svc/models"
	"shipment-svc/resilience"
	"shipment-svc/store"
	"shipment-svc/terminal"
)

type refundCall struct {
	Reference string
	Amount    int64
	Reason    string
}

type fakeGateway struct {
	mu        sync.Mutex
	payment   *models.PaymentResult
	verifyErr error
	refundErr error
	verifies  int
	refunds   []refundCall
}

func (g *fakeGateway) Verify(ctx context.Context, reference string) (*models.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifies++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	p := *g.payment
	p.Reference = reference
	return &p, nil
}

func (g *fakeGateway) Refund(ctx context.Context, reference string, amount int64, reason string) (*models.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, refundCall{reference, amount, reason})
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &models.RefundResult{Reference: reference, Status: "pending", AmountMinorUnits: amount, Currency: "NGN"}, nil
}

// fakeCarrier fails each CreateShipment attempt with createErr and retries
// unavailable errors the way the real client does.
type fakeCarrier struct {
	mu          sync.Mutex
	booking     *models.CarrierShipment
	createErr   error
	maxAttempts int
	createCalls int
	cancelled   []string
	cancelErr   error
	tracking    *models.TrackingInfo
}

func (c *fakeCarrier) CreateShipment(ctx context.Context, req models.CarrierShipmentRequest) (*models.CarrierShipment, error) {
	cfg := resilience.RetryConfig{
		Name:          "fake-carrier",
		MaxAttempts:   c.maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
		Retryable: func(err error) bool {
			var purchaseErr *terminal.PurchaseError
			return errors.Is(err, terminal.ErrCarrierUnavailable) && !errors.As(err, &purchaseErr)
		},
	}
	return resilience.RetryWithResult(ctx, cfg, func(ctx context.Context) (*models.CarrierShipment, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.createCalls++
		if c.createErr != nil {
			return nil, c.createErr
		}
		b := *c.booking
		return &b, nil
	})
}

func (c *fakeCarrier) CancelShipment(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelled = append(c.cancelled, id)
	return nil
}

func (c *fakeCarrier) Track(ctx context.Context, id string) (*models.TrackingInfo, error) {
	if c.tracking == nil {
		return nil, &terminal.APIError{Kind: terminal.ErrCarrierUnavailable, Message: "no tracking"}
	}
	info := *c.tracking
	info.Events = append([]models.TrackingEvent(nil), c.tracking.Events...)
	return &info, nil
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	rows      map[int]models.Shipment
	counts    map[int]int
	failures  []models.BookingFailure
	createErr error
	// raceWinner is inserted by Create, which then reports a duplicate.
	raceWinner *models.Shipment
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, rows: map[int]models.Shipment{}, counts: map[int]int{}}
}

func (s *fakeStore) insert(sh models.Shipment) models.Shipment {
	sh.ID = s.nextID
	s.nextID++
	sh.CreatedAt = time.Now()
	sh.UpdatedAt = sh.CreatedAt
	s.rows[sh.ID] = sh
	s.counts[sh.UserID]++
	return sh
}

func (s *fakeStore) Create(ctx context.Context, sh *models.Shipment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceWinner != nil {
		s.insert(*s.raceWinner)
		s.raceWinner = nil
		return 0, store.ErrDuplicateReference
	}
	if s.createErr != nil {
		return 0, s.createErr
	}
	for _, row := range s.rows {
		if row.Payment.Reference == sh.Payment.Reference {
			return 0, store.ErrDuplicateReference
		}
	}
	saved := s.insert(*sh)
	*sh = saved
	return s.counts[sh.UserID], nil
}

func (s *fakeStore) get(match func(models.Shipment) bool) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if match(row) {
			cp := row
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetByID(ctx context.Context, id int) (*models.Shipment, error) {
	return s.get(func(r models.Shipment) bool { return r.ID == id })
}

func (s *fakeStore) GetForUser(ctx context.Context, id, userID int) (*models.Shipment, error) {
	return s.get(func(r models.Shipment) bool { return r.ID == id && r.UserID == userID })
}

func (s *fakeStore) GetByPaymentReference(ctx context.Context, ref string) (*models.Shipment, error) {
	return s.get(func(r models.Shipment) bool { return r.Payment.Reference == ref })
}

func (s *fakeStore) GetByCarrierID(ctx context.Context, id string) (*models.Shipment, error) {
	return s.get(func(r models.Shipment) bool { return r.CarrierID() == id })
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id int, from, to models.ShipmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != from {
		return store.ErrStaleStatus
	}
	row.Status = to
	if to == models.ShipmentStatusCancelled {
		now := time.Now()
		row.CancelledAt = &now
	}
	s.rows[id] = row
	return nil
}

func (s *fakeStore) MarkNotificationSent(ctx context.Context, id int, kind models.NotificationKind, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if row.Notifications.Sent(kind) {
		return false, nil
	}
	row.Notifications.Mark(kind, at)
	s.rows[id] = row
	return true, nil
}

func (s *fakeStore) ReleaseNotification(ctx context.Context, id int, kind models.NotificationKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if slot := notificationSlot(&row.Notifications, kind); slot != nil && *slot != nil && (*slot).Equal(at) {
		*slot = nil
		s.rows[id] = row
	}
	return nil
}

func notificationSlot(n *models.Notifications, kind models.NotificationKind) **time.Time {
	switch kind {
	case models.NotificationPaymentReceipt:
		return &n.PaymentEmailSentAt
	case models.NotificationShipmentConfirmation:
		return &n.ShipmentEmailSentAt
	case models.NotificationAdminAlert:
		return &n.AdminNotifiedAt
	}
	return nil
}

func (s *fakeStore) ShipmentCount(ctx context.Context, userID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID], nil
}

func (s *fakeStore) RecordBookingFailure(ctx context.Context, f *models.BookingFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *f)
	return nil
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type sentEmail struct {
	Kind      models.NotificationKind
	Recipient string
	Data      models.TemplateData
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentEmail
	failOn map[models.NotificationKind]error
}

func (n *fakeNotifier) Send(ctx context.Context, kind models.NotificationKind, recipient string, data models.TemplateData) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failOn[kind]; err != nil {
		return "", err
	}
	n.sent = append(n.sent, sentEmail{kind, recipient, data})
	return "em_" + string(kind), nil
}

func (n *fakeNotifier) AdminEmail() string { return "ops@quickship.test" }

func (n *fakeNotifier) count(kind models.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			c++
		}
	}
	return c
}

// gatedNotifier parks the first Send until release is closed.
type gatedNotifier struct {
	*fakeNotifier
	calls   int32
	entered chan struct{}
	release chan struct{}
}

func newGatedNotifier(n *fakeNotifier) *gatedNotifier {
	return &gatedNotifier{fakeNotifier: n, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedNotifier) Send(ctx context.Context, kind models.NotificationKind, recipient string, data models.TemplateData) (string, error) {
	if atomic.AddInt32(&g.calls, 1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.fakeNotifier.Send(ctx, kind, recipient, data)
}

type fakeUsers struct{}

func (fakeUsers) GetByID(ctx context.Context, id int) (*models.User, error) {
	return &models.User{ID: id, Name: "Ada", Email: "ada@example.com"}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.ShipmentEvent
}

func (p *fakePublisher) Publish(ctx context.Context, e models.ShipmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}
