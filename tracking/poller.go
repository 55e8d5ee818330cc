package tracking

import (
	"context"
	"time"

	"shipment-svc/models"
	"shipment-svc/saga"

	"go.uber.org/zap"
)

// ShipmentQueue hands out active shipments least recently polled first.
// MarkTracked moves a shipment to the back of the queue.
type ShipmentQueue interface {
	ListActive(ctx context.Context, limit int) ([]models.Shipment, error)
	MarkTracked(ctx context.Context, id int, at time.Time) error
}

type Refresher interface {
	RefreshTracking(ctx context.Context, s *models.Shipment) (*models.TrackingInfo, []saga.Transition, error)
}

// Poller periodically refreshes carrier tracking for shipments that have not
// reached a terminal status.
type Poller struct {
	queue     ShipmentQueue
	refresher Refresher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewPoller(queue ShipmentQueue, refresher Refresher, interval time.Duration, batchSize int, logger *zap.Logger) *Poller {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Poller{
		queue:     queue,
		refresher: refresher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info("Tracking poller disabled")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Tracking poller started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Tracking poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce refreshes one batch and returns how many transitions were applied.
// A failure on one shipment does not stop the batch.
func (p *Poller) PollOnce(ctx context.Context) int {
	shipments, err := p.queue.ListActive(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("Failed to list active shipments", zap.Error(err))
		return 0
	}

	applied := 0
	for i := range shipments {
		if ctx.Err() != nil {
			break
		}
		s := &shipments[i]
		_, transitions, err := p.refresher.RefreshTracking(ctx, s)

		// Failed refreshes are rotated out too, or one broken shipment
		// would hold its slot at the head of the queue.
		if merr := p.queue.MarkTracked(ctx, s.ID, time.Now().UTC()); merr != nil {
			p.logger.Warn("Failed to record tracking poll",
				zap.Int("shipment_id", s.ID),
				zap.Error(merr),
			)
		}

		if err != nil {
			p.logger.Warn("Tracking refresh failed",
				zap.Int("shipment_id", s.ID),
				zap.String("carrier_shipment_id", s.CarrierID()),
				zap.Error(err),
			)
			continue
		}
		applied += len(transitions)
	}

	if len(shipments) > 0 {
		p.logger.Info("Tracking poll complete",
			zap.Int("shipments", len(shipments)),
			zap.Int("transitions", applied),
		)
	}
	return applied
}
