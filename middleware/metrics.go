package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	shipmentBookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipment_bookings_total",
			Help: "Verify-and-book outcomes",
		},
		[]string{"outcome"},
	)

	paymentRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_refunds_total",
			Help: "Compensating refunds by result",
		},
		[]string{"status"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notification sends by kind and result",
		},
		[]string{"kind", "status"},
	)

	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipment_status_transitions_total",
			Help: "Applied shipment status transitions",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(shipmentBookingsTotal)
	prometheus.MustRegister(paymentRefundsTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(statusTransitionsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordBooking(outcome string) {
	shipmentBookingsTotal.WithLabelValues(outcome).Inc()
}

func RecordRefund(status string) {
	paymentRefundsTotal.WithLabelValues(status).Inc()
}

func RecordNotification(kind, status string) {
	notificationsTotal.WithLabelValues(kind, status).Inc()
}

func RecordStatusTransition(from, to string) {
	statusTransitionsTotal.WithLabelValues(from, to).Inc()
}
