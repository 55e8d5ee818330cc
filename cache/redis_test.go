package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"shipment-svc/models"
	"shipment-svc/terminal"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSource struct {
	calls int
	rates []models.Rate
	err   error
}

func (s *countingSource) GetRates(ctx context.Context, q terminal.RateQuery) ([]models.Rate, error) {
	s.calls++
	return s.rates, s.err
}

func TestRateKey(t *testing.T) {
	q := terminal.RateQuery{AddressFromID: "AD-1", AddressToID: "AD-2", ParcelID: "PC-1"}
	assert.Equal(t, "rates:AD-1:AD-2:PC-1:NGN", rateKey(q))

	q.Currency = "USD"
	assert.Equal(t, "rates:AD-1:AD-2:PC-1:USD", rateKey(q))
}

func TestRateCache_DisabledPassesThrough(t *testing.T) {
	src := &countingSource{rates: []models.Rate{{RateID: "RT-1", AmountMinorUnits: 4000}}}
	c := NewRateCache(nil, src, time.Minute, zaptest.NewLogger(t))

	rates, err := c.GetRates(context.Background(), terminal.RateQuery{AddressFromID: "AD-1"})
	require.NoError(t, err)
	assert.Len(t, rates, 1)
	assert.Equal(t, 1, src.calls)
}

func TestRateCache_RedisDownFallsBackToCarrier(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })

	src := &countingSource{rates: []models.Rate{{RateID: "RT-1"}}}
	c := NewRateCache(rdb, src, time.Minute, zaptest.NewLogger(t))

	rates, err := c.GetRates(context.Background(), terminal.RateQuery{AddressFromID: "AD-1"})
	require.NoError(t, err)
	assert.Equal(t, "RT-1", rates[0].RateID)
	assert.Equal(t, 1, src.calls)
}

func TestRateCache_SourceErrorPropagates(t *testing.T) {
	src := &countingSource{err: terminal.ErrCarrierUnavailable}
	c := NewRateCache(nil, src, time.Minute, zaptest.NewLogger(t))

	_, err := c.GetRates(context.Background(), terminal.RateQuery{})
	assert.True(t, errors.Is(err, terminal.ErrCarrierUnavailable))
}
