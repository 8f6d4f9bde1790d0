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

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook events by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	grantsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grants_created_total",
			Help: "Total number of download grants created",
		},
	)

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Total number of download token consumptions by result",
		},
		[]string{"result"},
	)

	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(webhookEventsTotal)
	prometheus.MustRegister(grantsCreatedTotal)
	prometheus.MustRegister(downloadsTotal)
	prometheus.MustRegister(notificationsSentTotal)
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

func RecordWebhookEvent(kind, result string) {
	webhookEventsTotal.WithLabelValues(kind, result).Inc()
}

func RecordGrantCreated() {
	grantsCreatedTotal.Inc()
}

func RecordDownload(result string) {
	downloadsTotal.WithLabelValues(result).Inc()
}

func RecordNotificationSent(eventType string) {
	notificationsSentTotal.WithLabelValues(eventType).Inc()
}
